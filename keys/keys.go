// Package keys manages the per-install key material: the service actor's
// RSA keypair and the obfuscation master secret. Both are generated on first
// start and kept in the server_config table.
package keys

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/deemkeen/fedgraph/activitypub"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/obfuscate"
	"github.com/deemkeen/fedgraph/store"
	"github.com/deemkeen/fedgraph/util"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "keys")

const (
	keyObfuscation    = "obfuscation_key"
	keyServicePrivate = "service_private_key"
	keyServicePublic  = "service_public_key"

	masterLen = 32
)

// ObfuscatedTypes are the object types exposed under obfuscated ids.
var ObfuscatedTypes = []domain.ObjectType{domain.TypePost, domain.TypeComment}

type Material struct {
	Master           []byte
	ServiceKey       *rsa.PrivateKey
	ServicePublicPem string
}

// Load returns the stored key material, creating what is missing. bits is
// the RSA key size used for a new service keypair.
func Load(ctx context.Context, s store.Store, bits int) (*Material, error) {
	values, err := read(ctx, s)
	if err != nil {
		return nil, err
	}

	fresh := map[string]string{}
	if values[keyObfuscation] == "" {
		master, err := util.RandomBytes(masterLen)
		if err != nil {
			return nil, fmt.Errorf("generate obfuscation key: %w", err)
		}
		fresh[keyObfuscation] = base64.StdEncoding.EncodeToString(master)
	}
	if values[keyServicePrivate] == "" {
		pair, err := util.GeneratePemKeypair(bits)
		if err != nil {
			return nil, err
		}
		fresh[keyServicePrivate] = pair.Private
		fresh[keyServicePublic] = pair.Public
	}
	if len(fresh) > 0 {
		// a concurrent first start may have stored its own values meanwhile
		err := s.InTx(ctx, func(tx store.Tx) error {
			for _, k := range []string{keyObfuscation, keyServicePrivate} {
				if fresh[k] == "" {
					continue
				}
				_, ok, err := tx.ConfigValue(k)
				if err != nil {
					return err
				}
				if ok {
					continue
				}
				if err := tx.SetConfigValue(k, fresh[k]); err != nil {
					return err
				}
				if k == keyServicePrivate {
					if err := tx.SetConfigValue(keyServicePublic, fresh[keyServicePublic]); err != nil {
						return err
					}
				}
				log.Infof("Generated %s", k)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("store key material: %w", err)
		}
		if values, err = read(ctx, s); err != nil {
			return nil, err
		}
	}

	master, err := base64.StdEncoding.DecodeString(values[keyObfuscation])
	if err != nil {
		return nil, fmt.Errorf("decode obfuscation key: %w", err)
	}
	priv, err := activitypub.ParsePrivateKey(values[keyServicePrivate])
	if err != nil {
		return nil, fmt.Errorf("service key: %w", err)
	}
	return &Material{Master: master, ServiceKey: priv, ServicePublicPem: values[keyServicePublic]}, nil
}

func read(ctx context.Context, s store.Store) (map[string]string, error) {
	values := map[string]string{}
	err := s.InTx(ctx, func(tx store.Tx) error {
		for _, k := range []string{keyObfuscation, keyServicePrivate, keyServicePublic} {
			v, _, err := tx.ConfigValue(k)
			if err != nil {
				return err
			}
			values[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read key material: %w", err)
	}
	return values, nil
}

func (m *Material) Obfuscator() (*obfuscate.Obfuscator, error) {
	return obfuscate.New(m.Master, ObfuscatedTypes...)
}

// NewLocalActor creates a local user or group with a fresh keypair.
func NewLocalActor(ctx context.Context, s store.Store, a *domain.Actor, bits int) error {
	pair, err := util.GeneratePemKeypair(bits)
	if err != nil {
		return err
	}
	a.PrivateKeyPem, a.PublicKeyPem = pair.Private, pair.Public
	return s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.InsertLocalActor(a)
		return err
	})
}
