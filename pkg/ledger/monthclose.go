package ledger

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/nooterra-labs/settld/pkg/artifacts"
	"github.com/nooterra-labs/settld/pkg/codes"
	"github.com/nooterra-labs/settld/pkg/kernel"
	"github.com/nooterra-labs/settld/pkg/store"
)

// Month-close statuses.
const (
	MonthOpen           = "OPEN"
	MonthCloseRequested = "CLOSE_REQUESTED"
	MonthClosed         = "CLOSED"
)

// MonthCloseState is the reduced state of a monthclose:<YYYY-MM> stream.
type MonthCloseState struct {
	Month                 string `json:"month"`
	Status                string `json:"status"`
	Basis                 string `json:"basis,omitempty"`
	StatementArtifactID   string `json:"statementArtifactId,omitempty"`
	StatementArtifactHash string `json:"statementArtifactHash,omitempty"`
	ClosedAt              string `json:"closedAt,omitempty"`
}

type monthCloseReducer struct{}

func (monthCloseReducer) Kind() string { return "MonthClose" }

func (monthCloseReducer) Init(streamID string) any {
	return &MonthCloseState{Status: MonthOpen}
}

func (monthCloseReducer) Apply(state any, ev *store.Event) (any, error) {
	s := state.(*MonthCloseState)
	switch ev.Type {
	case "MonthCloseOpened":
		s.Month, _ = ev.Payload["month"].(string)
		s.Status = MonthOpen
	case "MonthCloseRequested":
		s.Status = MonthCloseRequested
		if basis, ok := ev.Payload["basis"].(string); ok {
			s.Basis = basis
		}
	case "MonthCloseCompleted":
		s.Status = MonthClosed
		s.StatementArtifactID, _ = ev.Payload["statementArtifactId"].(string)
		s.StatementArtifactHash, _ = ev.Payload["statementArtifactHash"].(string)
		s.ClosedAt = ev.At.UTC().Format(time.RFC3339Nano)
	case "MonthCloseReopened":
		s.Status = MonthOpen
		s.StatementArtifactID = ""
		s.StatementArtifactHash = ""
		s.ClosedAt = ""
	default:
		return nil, fmt.Errorf("month close reducer: unexpected event type %q", ev.Type)
	}
	return s, nil
}

// RegisterReducers installs the ledger reducers into a kernel registry.
func RegisterReducers(reg *kernel.Registry) {
	reg.Register(monthCloseReducer{})
}

func monthStream(month string) string { return "monthclose:" + month }

// GetMonthClose reads the month-close state, nil when never touched.
func (s *Service) GetMonthClose(ctx context.Context, tenantID, month string) (*MonthCloseState, error) {
	snap, err := s.kernel.Store().GetSnapshot(ctx, tenantOrDefault(tenantID), monthStream(month))
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	var st MonthCloseState
	if err := kernel.DecodeState(snap, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RequestMonthClose marks the month for closing; the month-close worker
// performs the actual close. Closing an already closed month fails.
func (s *Service) RequestMonthClose(ctx context.Context, tenantID, month, basis, idempotencyKey string) (*MonthCloseState, error) {
	if _, _, err := PeriodBounds(month); err != nil {
		return nil, err
	}
	state, err := s.GetMonthClose(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	if state == nil {
		if _, err := s.kernel.Append(ctx, kernel.AppendInput{
			TenantID: tenantID, StreamID: monthStream(month), Kind: "MonthClose",
			Type: "MonthCloseOpened", Actor: "ops",
			Payload: map[string]any{"month": month},
		}); err != nil {
			return nil, err
		}
	} else if state.Status == MonthClosed {
		return nil, codes.Newf(codes.MonthCloseAlreadyRun, http.StatusConflict, "month %s is already closed", month)
	}

	payload := map[string]any{"month": month}
	if basis != "" {
		payload["basis"] = basis
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: monthStream(month), Kind: "MonthClose",
		Type: "MonthCloseRequested", Actor: "ops", Payload: payload,
		IdempotencyKey: idempotencyKey, RouteBindingHash: "ledger.month-close-request",
	})
	if err != nil {
		return nil, err
	}
	var st MonthCloseState
	if err := kernel.DecodeState(&res.Snapshot, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RunMonthClose is the worker path: it computes every party statement for
// the month, freezes them into a MonthlyStatement.v1 artifact, and closes
// the aggregate. The artifact commits atomically with the close event.
func (s *Service) RunMonthClose(ctx context.Context, tenantID, month string) (*MonthCloseState, *store.Artifact, error) {
	state, err := s.GetMonthClose(ctx, tenantID, month)
	if err != nil {
		return nil, nil, err
	}
	if state == nil || state.Status != MonthCloseRequested {
		if state != nil && state.Status == MonthClosed {
			return nil, nil, codes.Newf(codes.MonthCloseAlreadyRun, http.StatusConflict, "month %s is already closed", month)
		}
		return nil, nil, codes.Newf(codes.MonthCloseNotOpen, http.StatusConflict, "month %s has no pending close request", month)
	}

	start, end, err := PeriodBounds(month)
	if err != nil {
		return nil, nil, err
	}
	basis := state.Basis
	if basis == "" {
		basis = "settledAt"
	}
	parties, err := s.partiesInPeriod(ctx, tenantID, start, end)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(parties)

	perParty := make([]map[string]any, 0, len(parties))
	for _, partyID := range parties {
		stmt, _, err := s.ComputePartyStatement(ctx, tenantID, partyID, month, basis)
		if err != nil {
			return nil, nil, err
		}
		perParty = append(perParty, map[string]any{
			"partyId":       stmt.PartyID,
			"payoutCents":   stmt.PayoutCents,
			"currency":      stmt.Currency,
			"statementHash": stmt.StatementHash,
		})
	}

	core := map[string]any{
		"schemaVersion": "MonthlyStatement.v1",
		"month":         month,
		"basis":         basis,
		"parties":       perParty,
	}
	artifact, err := artifacts.Build(tenantOrDefault(tenantID), "MonthlyStatement.v1", core, end)
	if err != nil {
		return nil, nil, err
	}

	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: monthStream(month), Kind: "MonthClose",
		Type: "MonthCloseCompleted", Actor: "monthclose-worker",
		Payload: map[string]any{
			"month":                 month,
			"statementArtifactId":   artifact.ArtifactID,
			"statementArtifactHash": artifact.ArtifactHash,
		},
		ExtraOps: []store.Op{{Kind: store.OpArtifactPut, Artifact: artifact}},
	})
	if err != nil {
		return nil, nil, err
	}
	var st MonthCloseState
	if err := kernel.DecodeState(&res.Snapshot, &st); err != nil {
		return nil, nil, err
	}
	return &st, artifact, nil
}

// ReopenMonthClose clears the frozen statement and reopens the month.
func (s *Service) ReopenMonthClose(ctx context.Context, tenantID, month, reason string) (*MonthCloseState, error) {
	state, err := s.GetMonthClose(ctx, tenantID, month)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Status != MonthClosed {
		return nil, codes.Newf(codes.MonthCloseNotOpen, http.StatusConflict, "month %s is not closed", month)
	}
	payload := map[string]any{"month": month}
	if reason != "" {
		payload["reason"] = reason
	}
	res, err := s.kernel.Append(ctx, kernel.AppendInput{
		TenantID: tenantID, StreamID: monthStream(month), Kind: "MonthClose",
		Type: "MonthCloseReopened", Actor: "ops", Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	var st MonthCloseState
	if err := kernel.DecodeState(&res.Snapshot, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
