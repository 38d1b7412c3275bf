package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/metrics"
	"github.com/deemkeen/fedgraph/store"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const (
	maxDeliveryAttempts = 10
	deliveryBatchSize   = 50
)

var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

type senderKey struct {
	key   *rsa.PrivateKey
	keyID string
}

// Deliverer queues outbound activities and delivers them from a background
// worker with exponential backoff. Queueing is all the engine waits for.
type Deliverer struct {
	store       store.Store
	uris        *LocalURIs
	client      *http.Client
	metrics     *metrics.Metrics
	concurrency int

	keys sync.Map // sender id -> *senderKey
}

func NewDeliverer(s store.Store, uris *LocalURIs, m *metrics.Metrics, concurrency int) *Deliverer {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Deliverer{
		store:       s,
		uris:        uris,
		client:      &http.Client{Timeout: 30 * time.Second},
		metrics:     m,
		concurrency: concurrency,
	}
}

// DeliverToInboxes queues activity for every distinct remote inbox.
func (d *Deliverer) DeliverToInboxes(ctx context.Context, sender *domain.Actor, inboxes []string, activity *Object) error {
	payload, err := Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	seen := make(map[string]bool, len(inboxes))
	return d.store.InTx(ctx, func(tx store.Tx) error {
		for _, inbox := range inboxes {
			if inbox == "" || seen[inbox] || d.uris.IsLocal(inbox) {
				continue
			}
			seen[inbox] = true
			err := tx.EnqueueDelivery(&domain.DeliveryQueueItem{
				SenderID:     sender.ID,
				InboxURI:     inbox,
				ActivityJSON: string(payload),
			})
			if err != nil {
				return err
			}
		}
		log.Debugf("Outbox: queued %s from %s for %d inboxes", activity.Type, sender.Handle(), len(seen))
		return nil
	})
}

// DeliverToFollowers queues activity for the inboxes of sender's remote followers.
func (d *Deliverer) DeliverToFollowers(ctx context.Context, sender *domain.Actor, activity *Object) error {
	var inboxes []string
	err := d.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		inboxes, err = tx.FollowerInboxes(sender.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("follower inboxes: %w", err)
	}
	return d.DeliverToInboxes(ctx, sender, inboxes, activity)
}

// Start runs the delivery worker until ctx is cancelled.
func (d *Deliverer) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	log.Info("Starting ActivityPub delivery worker...")
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.ProcessQueue(ctx); err != nil {
					log.Warnf("DeliveryWorker: %v", err)
				}
			}
		}
	}()
}

// ProcessQueue delivers one batch of due items and returns how many succeeded.
func (d *Deliverer) ProcessQueue(ctx context.Context) (int, error) {
	var items []domain.DeliveryQueueItem
	err := d.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		items, err = tx.PendingDeliveries(time.Now(), deliveryBatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("read queue: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	log.Debugf("DeliveryWorker: Processing %d pending deliveries", len(items))

	results := make([]error, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i := range items {
		i := i
		g.Go(func() error {
			results[i] = d.deliver(gctx, &items[i])
			return nil
		})
	}
	g.Wait()

	delivered := 0
	err = d.store.InTx(ctx, func(tx store.Tx) error {
		for i := range items {
			item := &items[i]
			if results[i] == nil {
				delivered++
				d.metrics.ObserveDelivery("ok")
				if err := tx.DeleteDelivery(item); err != nil {
					return err
				}
				continue
			}

			item.Attempts++
			if item.Attempts >= maxDeliveryAttempts {
				log.Warnf("DeliveryWorker: Giving up on delivery to %s after %d attempts", item.InboxURI, item.Attempts)
				d.metrics.ObserveDelivery("dropped")
				if err := tx.DeleteDelivery(item); err != nil {
					return err
				}
				continue
			}
			wait := backoffMinutes[min(item.Attempts-1, len(backoffMinutes)-1)]
			item.NextRetryAt = time.Now().Add(time.Duration(wait) * time.Minute)
			log.Infof("DeliveryWorker: Delivery to %s failed (attempt %d), retry %s: %v",
				item.InboxURI, item.Attempts, humanize.Time(item.NextRetryAt), results[i])
			d.metrics.ObserveDelivery("retry")
			if err := tx.UpdateDeliveryAttempt(item); err != nil {
				return err
			}
		}
		return nil
	})
	return delivered, err
}

func (d *Deliverer) senderKey(ctx context.Context, senderID int64) (*senderKey, error) {
	if k, ok := d.keys.Load(senderID); ok {
		return k.(*senderKey), nil
	}
	var sender *domain.Actor
	err := d.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		sender, err = tx.ActorByID(senderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load sender: %w", err)
	}
	key, err := ParsePrivateKey(sender.PrivateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("sender %d key: %w", senderID, err)
	}
	k := &senderKey{key: key, keyID: d.uris.KeyID(sender)}
	d.keys.Store(senderID, k)
	return k, nil
}

// deliver attempts to deliver a single activity to an inbox
func (d *Deliverer) deliver(ctx context.Context, item *domain.DeliveryQueueItem) error {
	k, err := d.senderKey(ctx, item.SenderID)
	if err != nil {
		return err
	}

	body := []byte(item.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", userAgent)

	if err := SignRequest(req, k.key, k.keyID, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	return nil
}
