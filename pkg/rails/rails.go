// Package rails tracks payout operations on external money rails: the
// operation lifecycle, idempotent provider event ingest, chargeback
// exposure, and period reconciliation against payout instructions.
package rails

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Operation statuses. Confirmed is the terminal success state; a confirmed
// payout can still be clawed back by an ingested reversal.
const (
	StatusInitiated = "initiated"
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusReversed  = "reversed"
	StatusFailed    = "failed"
)

// OperationState is the reduced state of a rail:<operationId> stream.
type OperationState struct {
	OperationID                 string `json:"operationId"`
	ProviderID                  string `json:"providerId"`
	PartyID                     string `json:"partyId"`
	AmountCents                 int64  `json:"amountCents"`
	Currency                    string `json:"currency"`
	Period                      string `json:"period"`
	PayoutInstructionArtifactID string `json:"payoutInstructionArtifactId,omitempty"`
	Status                      string `json:"status"`
	ReasonCode                  string `json:"reasonCode,omitempty"`
	LastProviderEventID         string `json:"lastProviderEventId,omitempty"`
}

type railReducer struct{}

func (railReducer) Kind() string { return "MoneyRail" }

func (railReducer) Init(streamID string) any {
	return &OperationState{Status: StatusInitiated}
}

func (railReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*OperationState)
	switch ev.Type {
	case "RailOperationInitiated":
		s.OperationID, _ = ev.Payload["operationId"].(string)
		s.ProviderID, _ = ev.Payload["providerId"].(string)
		s.PartyID, _ = ev.Payload["partyId"].(string)
		if v, ok := ev.Payload["amountCents"].(float64); ok {
			s.AmountCents = int64(v)
		}
		s.Currency, _ = ev.Payload["currency"].(string)
		s.Period, _ = ev.Payload["period"].(string)
		s.PayoutInstructionArtifactID, _ = ev.Payload["payoutInstructionArtifactId"].(string)
		s.Status = StatusInitiated
	case "RailOperationSubmitted":
		s.Status = StatusSubmitted
		s.LastProviderEventID, _ = ev.Payload["providerEventId"].(string)
	case "RailOperationConfirmed":
		s.Status = StatusConfirmed
		s.LastProviderEventID, _ = ev.Payload["providerEventId"].(string)
	case "RailOperationReversed":
		s.Status = StatusReversed
		s.LastProviderEventID, _ = ev.Payload["providerEventId"].(string)
		s.ReasonCode, _ = ev.Payload["reasonCode"].(string)
	case "RailOperationFailed":
		s.Status = StatusFailed
		s.LastProviderEventID, _ = ev.Payload["providerEventId"].(string)
		s.ReasonCode, _ = ev.Payload["reasonCode"].(string)
	default:
		return nil, fmt.Errorf("rail reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// RegisterReducers installs the money-rail reducer.
func RegisterReducers(reg *kernel.Registry) {
	reg.Register(railReducer{})
}

// Service coordinates rail operations over the kernel.
type Service struct {
	kernel *kernel.Kernel
	clock  func() time.Time
}

// NewService wires the rails service.
func NewService(k *kernel.Kernel) *Service {
	return &Service{kernel: k, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func railStream(operationID string) string { return "rail:" + operationID }

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return store.DefaultTenant
	}
	return tenantID
}

// GetOperation reads a rail operation's state, nil when unknown.
func (s *Service) GetOperation(ctx context.Context, tenantID, operationID string) (*OperationState, error) {
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), railStream(operationID))
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	var st OperationState
	if err := kernel.DecodeState(snap, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// EnqueuePayoutInput describes a new payout operation.
type EnqueuePayoutInput struct {
	TenantID                    string
	OperationID                 string
	ProviderID                  string
	PartyID                     string
	AmountCents                 int64
	Currency                    string
	Period                      string
	PayoutInstructionArtifactID string
	IdempotencyKey              string
}

// EnqueuePayout opens a rail operation for a party's period payout. It fails
// closed while the party carries outstanding chargeback exposure on the
// provider for that period.
func (s *Service) EnqueuePayout(ctx context.Context, in EnqueuePayoutInput) (*OperationState, error) {
	outstanding, err := s.OutstandingExposure(ctx, in.TenantID, in.ProviderID, in.PartyID, in.Period)
	if err != nil {
		return nil, err
	}
	if outstanding > 0 {
		return nil, codes.Newf(codes.RailChargebackExposureOutstanding, http.StatusConflict,
			"party %s has %d cents of outstanding chargeback exposure on %s for %s",
			in.PartyID, outstanding, in.ProviderID, in.Period).
			WithDetails(map[string]any{"outstandingCents": outstanding})
	}
	if in.OperationID == "" {
		in.OperationID = "railop_" + uuid.NewString()
	}
	payload := map[string]any{
		"operationId": in.OperationID,
		"providerId":  in.ProviderID,
		"partyId":     in.PartyID,
		"amountCents": in.AmountCents,
		"currency":    in.Currency,
		"period":      in.Period,
	}
	if in.PayoutInstructionArtifactID != "" {
		payload["payoutInstructionArtifactId"] = in.PayoutInstructionArtifactID
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: in.TenantID, StreamID: railStream(in.OperationID), Kind: "MoneyRail",
		Type: "RailOperationInitiated", Actor: "payout-enqueue", Payload: payload,
		IdempotencyKey: in.IdempotencyKey, RouteBindingHash: "rails.enqueue-payout",
	})
	if err != nil {
		return nil, err
	}
	var st OperationState
	if err := kernel.DecodeState(&res.Snapshot, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// IngestInput is one provider event from an external rail.
type IngestInput struct {
	TenantID    string
	ProviderID  string
	EventID     string
	OperationID string
	// Type is the provider event kind: submitted, confirmed, reversed, failed.
	Type       string
	ReasonCode string
	Payload    json.RawMessage
}

var ingestEventTypes = map[string]string{
	"submitted": "RailOperationSubmitted",
	"confirmed": "RailOperationConfirmed",
	"reversed":  "RailOperationReversed",
	"failed":    "RailOperationFailed",
}

// legalFrom lists the statuses a provider event type may transition from.
var legalFrom = map[string][]string{
	"submitted": {StatusInitiated},
	"confirmed": {StatusInitiated, StatusSubmitted},
	"reversed":  {StatusConfirmed},
	"failed":    {StatusInitiated, StatusSubmitted},
}

// IngestProviderEvent applies one external rail event to its operation.
// Ingest is idempotent on (providerId, eventId): replaying the same event
// returns the current state without a second append, while a different event
// reusing the id is rejected. A reversal accrues chargeback exposure for the
// party atomically with the event.
func (s *Service) IngestProviderEvent(ctx context.Context, in IngestInput) (*OperationState, bool, error) {
	tenant := tenantOrDefault(in.TenantID)
	if in.ProviderID == "" || in.EventID == "" {
		return nil, false, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "providerId and eventId are required")
	}
	eventType, ok := ingestEventTypes[in.Type]
	if !ok {
		return nil, false, codes.Newf(codes.SchemaInvalid, http.StatusBadRequest, "unknown rail event type %q", in.Type)
	}

	if seen, err := s.kernel.Store().GetRailEvent(ctx, tenant, in.ProviderID, in.EventID); err != nil {
		return nil, false, err
	} else if seen != nil {
		if seen.OperationID == in.OperationID && seen.Type == in.Type {
			st, err := s.GetOperation(ctx, in.TenantID, in.OperationID)
			if err != nil {
				return nil, false, err
			}
			return st, true, nil
		}
		return nil, false, codes.Newf(codes.RailDuplicateEvent, http.StatusConflict,
			"event id %s already ingested for %s with different content", in.EventID, in.ProviderID)
	}

	st, err := s.GetOperation(ctx, in.TenantID, in.OperationID)
	if err != nil {
		return nil, false, err
	}
	if st == nil {
		return nil, false, codes.Newf(codes.RailOperationNotFound, http.StatusNotFound,
			"rail operation %s not found", in.OperationID)
	}
	if !statusIn(st.Status, legalFrom[in.Type]) {
		return nil, false, codes.Newf(codes.RailIllegalTransition, http.StatusConflict,
			"rail operation %s cannot accept %s from %s", in.OperationID, in.Type, st.Status).
			WithDetails(map[string]any{"from": st.Status, "eventType": in.Type})
	}
	if in.Type == "reversed" && in.ReasonCode == "" {
		return nil, false, codes.New(codes.SchemaInvalid, http.StatusBadRequest, "reversal requires a reasonCode")
	}

	now := s.clock().UTC()
	payload := map[string]any{"providerEventId": in.EventID}
	if in.ReasonCode != "" {
		payload["reasonCode"] = in.ReasonCode
	}

	extra := []store.Op{{Kind: store.OpRailEventPut, RailEvent: &store.RailEvent{
		TenantID:    tenant,
		ProviderID:  in.ProviderID,
		EventID:     in.EventID,
		OperationID: in.OperationID,
		Type:        in.Type,
		ReasonCode:  in.ReasonCode,
		Payload:     in.Payload,
		ReceivedAt:  now,
	}}}
	if in.Type == "reversed" {
		exposureOp, err := s.accrueExposureOp(ctx, tenant, st, now)
		if err != nil {
			return nil, false, err
		}
		extra = append(extra, exposureOp)
	}

	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: in.TenantID, StreamID: railStream(in.OperationID), Kind: "MoneyRail",
		Type: eventType, Actor: "rail:" + in.ProviderID, Payload: payload,
		At:       now,
		ExtraOps: extra,
	})
	if err != nil {
		return nil, false, err
	}
	var next OperationState
	if err := kernel.DecodeState(&res.Snapshot, &next); err != nil {
		return nil, false, err
	}
	return &next, false, nil
}

func statusIn(status string, allowed []string) bool {
	for _, a := range allowed {
		if a == status {
			return true
		}
	}
	return false
}

// OutstandingExposure reports the party's chargeback exposure on a provider
// for a period.
func (s *Service) OutstandingExposure(ctx context.Context, tenantID, providerID, partyID, period string) (int64, error) {
	exp, err := s.kernel.Store().GetExposure(ctx, tenantOrDefault(tenantID), providerID, partyID, period)
	if err != nil {
		return 0, err
	}
	if exp == nil {
		return 0, nil
	}
	return exp.OutstandingCents, nil
}

func (s *Service) accrueExposureOp(ctx context.Context, tenant string, st *OperationState, now time.Time) (store.Op, error) {
	existing, err := s.kernel.Store().GetExposure(ctx, tenant, st.ProviderID, st.PartyID, st.Period)
	if err != nil {
		return store.Op{}, err
	}
	outstanding := st.AmountCents
	if existing != nil {
		outstanding += existing.OutstandingCents
	}
	return store.Op{Kind: store.OpExposureUpsert, Exposure: &store.ChargebackExposure{
		TenantID:         tenant,
		ProviderID:       st.ProviderID,
		PartyID:          st.PartyID,
		Period:           st.Period,
		OutstandingCents: outstanding,
		UpdatedAt:        now,
	}}, nil
}

// SettleExposure reduces a party's outstanding exposure after recovery,
// clamping at zero.
func (s *Service) SettleExposure(ctx context.Context, tenantID, providerID, partyID, period string, amountCents int64) (int64, error) {
	tenant := tenantOrDefault(tenantID)
	existing, err := s.kernel.Store().GetExposure(ctx, tenant, providerID, partyID, period)
	if err != nil {
		return 0, err
	}
	if existing == nil || existing.OutstandingCents == 0 {
		return 0, nil
	}
	outstanding := existing.OutstandingCents - amountCents
	if outstanding < 0 {
		outstanding = 0
	}
	now := s.clock().UTC()
	err = s.kernel.Store().CommitTx(ctx, store.Tx{At: now, Ops: []store.Op{{
		Kind: store.OpExposureUpsert,
		Exposure: &store.ChargebackExposure{
			TenantID:         tenant,
			ProviderID:       providerID,
			PartyID:          partyID,
			Period:           period,
			OutstandingCents: outstanding,
			UpdatedAt:        now,
		},
	}}})
	if err != nil {
		return 0, err
	}
	return outstanding, nil
}
