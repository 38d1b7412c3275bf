package keys

import (
	"bytes"
	"context"
	"testing"

	"github.com/deemkeen/fedgraph/db"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/store"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestLoadIsStable(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()

	first, err := Load(ctx, d, 1024)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(first.Master) != masterLen {
		t.Errorf("Expected a %d byte master, got %d", masterLen, len(first.Master))
	}
	second, err := Load(ctx, d, 1024)
	if err != nil {
		t.Fatalf("Second Load failed: %v", err)
	}
	if !bytes.Equal(first.Master, second.Master) {
		t.Error("Master secret changed between loads")
	}
	if first.ServiceKey.N.Cmp(second.ServiceKey.N) != 0 || first.ServicePublicPem != second.ServicePublicPem {
		t.Error("Service key changed between loads")
	}

	// tokens stay valid across restarts
	o1, _ := first.Obfuscator()
	o2, _ := second.Obfuscator()
	token, err := o1.Obfuscate(42, domain.TypePost)
	if err != nil {
		t.Fatalf("Obfuscate failed: %v", err)
	}
	if id, err := o2.Deobfuscate(token, domain.TypePost); err != nil || id != 42 {
		t.Errorf("Deobfuscate = %d, %v", id, err)
	}
}

func TestNewLocalActor(t *testing.T) {
	d := setupTestDB(t)
	ctx := context.Background()
	a := &domain.Actor{Kind: domain.KindGroup, Username: "club", Access: domain.AccessClosed}
	if err := NewLocalActor(ctx, d, a, 1024); err != nil {
		t.Fatalf("NewLocalActor failed: %v", err)
	}
	if a.ID == 0 || !a.Local {
		t.Fatalf("Expected a stored local actor, got %+v", a)
	}
	var stored *domain.Actor
	d.InTx(ctx, func(tx store.Tx) (err error) {
		stored, err = tx.ActorByID(a.ID)
		return err
	})
	if stored == nil || stored.PrivateKeyPem == "" || stored.PublicKeyPem == "" || stored.Access != domain.AccessClosed {
		t.Errorf("Unexpected stored actor %+v", stored)
	}

	dup := &domain.Actor{Kind: domain.KindUser, Username: "club"}
	if err := NewLocalActor(ctx, d, dup, 1024); domain.ReasonOf(err) != domain.ReasonIdentityCollision {
		t.Errorf("Expected identity_collision for a taken username, got %v", err)
	}
}
