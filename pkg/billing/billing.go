// Package billing ingests subscription webhooks from the billing provider,
// folds them into per-subscription aggregates, and holds failed deliveries
// in a replayable dead-letter store. Upstream provider calls go through a
// retry policy and circuit breaker.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Subscription statuses.
const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// SubscriptionState is the reduced state of a billingsub:<ref> stream.
type SubscriptionState struct {
	SubscriptionRef string `json:"subscriptionRef"`
	ProviderID      string `json:"providerId"`
	PlanID          string `json:"planId,omitempty"`
	Status          string `json:"status"`
	LastEventID     string `json:"lastEventId,omitempty"`
}

type subscriptionReducer struct{}

func (subscriptionReducer) Kind() string { return "BillingSubscription" }

func (subscriptionReducer) Init(streamID string) any {
	return &SubscriptionState{Status: SubscriptionActive}
}

func (subscriptionReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*SubscriptionState)
	switch ev.Type {
	case "BillingProviderEventIngested":
		s.ProviderID, _ = ev.Payload["providerId"].(string)
		if ref, ok := ev.Payload["subscriptionRef"].(string); ok && ref != "" {
			s.SubscriptionRef = ref
		}
		if plan, ok := ev.Payload["planId"].(string); ok && plan != "" {
			s.PlanID = plan
		}
		s.LastEventID, _ = ev.Payload["eventId"].(string)
		eventType, _ := ev.Payload["eventType"].(string)
		switch eventType {
		case "subscription.created", "subscription.updated", "invoice.paid":
			s.Status = SubscriptionActive
		case "invoice.payment_failed":
			s.Status = SubscriptionPastDue
		case "subscription.canceled":
			s.Status = SubscriptionCanceled
		}
	default:
		return nil, fmt.Errorf("billing reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// RegisterReducers installs the billing subscription reducer.
func RegisterReducers(reg *kernel.Registry) {
	reg.Register(subscriptionReducer{})
}

// Service handles webhook ingest and dead-letter replay.
type Service struct {
	kernel    *kernel.Kernel
	secret    []byte
	tolerance time.Duration
	plans     map[string]bool
	clock     func() time.Time
}

// NewService wires the billing service with the webhook signing secret and
// the known plan catalog.
func NewService(k *kernel.Kernel, secret []byte, plans []string) *Service {
	known := make(map[string]bool, len(plans))
	for _, p := range plans {
		known[p] = true
	}
	return &Service{
		kernel:    k,
		secret:    secret,
		tolerance: DefaultSignatureTolerance,
		plans:     known,
		clock:     time.Now,
	}
}

// WithTolerance overrides the signature timestamp tolerance.
func (s *Service) WithTolerance(d time.Duration) *Service {
	s.tolerance = d
	return s
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return store.DefaultTenant
	}
	return tenantID
}

// providerEvent is the webhook body shape.
type providerEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		PlanID          string         `json:"planId"`
		SubscriptionRef string         `json:"subscriptionRef"`
		Extra           map[string]any `json:"extra"`
	} `json:"data"`
}

// WebhookInput is one inbound provider webhook delivery.
type WebhookInput struct {
	TenantID   string
	ProviderID string
	Signature  string
	Body       []byte
}

// IngestWebhook verifies the delivery and applies the provider event.
// Ingest is idempotent on (providerId, eventId); failures past signature
// verification land in the dead-letter store.
func (s *Service) IngestWebhook(ctx context.Context, in WebhookInput) (*SubscriptionState, bool, error) {
	now := s.clock().UTC()
	if err := VerifyWebhook(s.secret, in.Signature, in.Body, now, s.tolerance); err != nil {
		return nil, false, err
	}
	var ev providerEvent
	if err := json.Unmarshal(in.Body, &ev); err != nil || ev.ID == "" || ev.Type == "" {
		s.deadLetter(ctx, in.TenantID, in.ProviderID, ev.ID, "malformed webhook body", false, in.Body, now)
		return nil, false, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "webhook body is not a provider event")
	}
	st, replayed, err := s.applyEvent(ctx, in.TenantID, in.ProviderID, &ev, now)
	if err != nil {
		if coded := codes.AsError(err); coded.Code == codes.BillingPlanUnknown {
			// Replayable once the plan catalog catches up.
			s.deadLetter(ctx, in.TenantID, in.ProviderID, ev.ID, coded.Message, true, in.Body, now)
		}
		return nil, false, err
	}
	return st, replayed, nil
}

func (s *Service) applyEvent(ctx context.Context, tenantID, providerID string, ev *providerEvent, now time.Time) (*SubscriptionState, bool, error) {
	if ev.Data.PlanID != "" && !s.plans[ev.Data.PlanID] {
		return nil, false, codes.Newf(codes.BillingPlanUnknown, http.StatusConflict,
			"provider event %s names unknown plan %q", ev.ID, ev.Data.PlanID)
	}
	streamRef := ev.Data.SubscriptionRef
	if streamRef == "" {
		streamRef = providerID
	}
	payload := map[string]any{
		"providerId": providerID,
		"eventId":    ev.ID,
		"eventType":  ev.Type,
	}
	if ev.Data.PlanID != "" {
		payload["planId"] = ev.Data.PlanID
	}
	if ev.Data.SubscriptionRef != "" {
		payload["subscriptionRef"] = ev.Data.SubscriptionRef
	}
	if len(ev.Data.Extra) > 0 {
		payload["data"] = ev.Data.Extra
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: "billingsub:" + streamRef, Kind: "BillingSubscription",
		Type: "BillingProviderEventIngested", Actor: "webhook:" + providerID, Payload: payload,
		At:             now,
		IdempotencyKey: "billing:" + providerID + ":" + ev.ID, RouteBindingHash: "billing.webhook",
	})
	if err != nil {
		return nil, false, err
	}
	var st SubscriptionState
	if err := kernel.DecodeState(&res.Snapshot, &st); err != nil {
		return nil, false, err
	}
	return &st, res.Replayed, nil
}

// deadLetter files a failed delivery; a dead-letter write never masks the
// ingest error, so commit failures are dropped here.
func (s *Service) deadLetter(ctx context.Context, tenantID, providerID, eventID, reason string, replayable bool, body []byte, now time.Time) {
	_ = s.kernel.Store().CommitTx(ctx, store.Tx{At: now, Ops: []store.Op{{
		Kind: store.OpDeadLetterUpsert,
		DeadLetter: &store.DeadLetter{
			TenantID:   tenantOrDefault(tenantID),
			ID:         "dl_" + uuid.NewString(),
			Source:     "billing:" + providerID,
			EventID:    eventID,
			Reason:     reason,
			Replayable: replayable,
			Payload:    body,
			CreatedAt:  now,
		},
	}}})
}

// GetSubscription reads a subscription's state, nil when unknown.
func (s *Service) GetSubscription(ctx context.Context, tenantID, subscriptionRef string) (*SubscriptionState, error) {
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), "billingsub:"+subscriptionRef)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	var st SubscriptionState
	if err := kernel.DecodeState(snap, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AddPlan extends the known plan catalog (e.g. before replaying a dead
// letter that referenced it).
func (s *Service) AddPlan(planID string) {
	s.plans[planID] = true
}

// ReplayDeadLetter reapplies a held delivery. The original ingest
// idempotency key still applies, so a delivery that partially succeeded
// replays harmlessly. Success stamps replayedAt.
func (s *Service) ReplayDeadLetter(ctx context.Context, tenantID, id string) (*SubscriptionState, error) {
	tenant := tenantOrDefault(tenantID)
	dl, err := s.kernel.Store().GetDeadLetter(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if dl == nil {
		return nil, codes.Newf(codes.BillingDeadLetterNotFound, http.StatusNotFound, "dead letter %s not found", id)
	}
	if !dl.Replayable {
		return nil, codes.Newf(codes.BillingDeadLetterNotReplayable, http.StatusConflict, "dead letter %s is not replayable", id)
	}
	var ev providerEvent
	if err := json.Unmarshal(dl.Payload, &ev); err != nil {
		return nil, codes.Newf(codes.BillingDeadLetterNotReplayable, http.StatusConflict, "dead letter %s payload is malformed", id)
	}
	providerID, _ := strings.CutPrefix(dl.Source, "billing:")
	now := s.clock().UTC()
	st, _, err := s.applyEvent(ctx, tenantID, providerID, &ev, now)
	if err != nil {
		return nil, err
	}
	replayedAt := now
	next := *dl
	next.ReplayedAt = &replayedAt
	if err := s.kernel.Store().CommitTx(ctx, store.Tx{At: now, Ops: []store.Op{{
		Kind: store.OpDeadLetterUpsert, DeadLetter: &next,
	}}}); err != nil {
		return nil, err
	}
	return st, nil
}
