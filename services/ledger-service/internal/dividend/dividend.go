package dividend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/events"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/logger"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/marketdata"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/metrics"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/repository"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/wallet"
)

// =============================================================================
// Corporate Action Pipeline
// =============================================================================
// Action:  PENDING -> SNAPSHOTTED -> PAID
// Payout:  PENDING -> PAID | FAILED, FAILED -> PAID on retry
//
// Every step selects rows by status, so a re-run only sees unfinished work.
// Payout credits carry the idempotency key "dividend:<payout id>", so a
// crash between the credit and the status update never pays twice.
// =============================================================================

const (
	StepIngest   = "ingest"
	StepSnapshot = "snapshot"
	StepSettle   = "settle"

	eventSource       = "ledger-service"
	defaultWindowDays = 90
	cashPlaces        = 2
)

// Calendar supplies upcoming dividend events
type Calendar interface {
	FetchDividends(ctx context.Context, from, to time.Time) ([]marketdata.DividendEvent, error)
}

// Wallet credits settled payouts
type Wallet interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, opts wallet.CreditOptions) (*wallet.Result, error)
}

type Config struct {
	WithholdingRate  decimal.Decimal
	IngestWindowDays int
	Location         *time.Location
	Now              func() time.Time
}

type SettleOptions struct {
	RetryFailed bool
}

type Pipeline struct {
	store     repository.DividendStore
	calendar  Calendar
	wallet    Wallet
	publisher events.Publisher
	cfg       Config
}

func NewPipeline(store repository.DividendStore, calendar Calendar, w Wallet, publisher events.Publisher, cfg Config) *Pipeline {
	if cfg.IngestWindowDays <= 0 {
		cfg.IngestWindowDays = defaultWindowDays
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Pipeline{store: store, calendar: calendar, wallet: w, publisher: publisher, cfg: cfg}
}

// Today is the current calendar date in the pipeline's time zone, as UTC
// midnight to match stored DATE columns
func (p *Pipeline) Today() time.Time {
	y, m, d := p.cfg.Now().In(p.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Amounts computes gross, withheld tax and net for a payout, each rounded
// half-up to cents
func Amounts(shares, amountPerShare, withholdingRate decimal.Decimal) (gross, tax, net decimal.Decimal) {
	gross = shares.Mul(amountPerShare).Round(cashPlaces)
	tax = gross.Mul(withholdingRate).Round(cashPlaces)
	net = gross.Sub(tax)
	return gross, tax, net
}

func (p *Pipeline) finish(ctx context.Context, res *types.BatchResult, start time.Time) *types.BatchResult {
	res.Duration = time.Since(start)
	metrics.RecordBatch(res.Step, res.Processed, res.Skipped, res.Errors, res.Duration)
	logger.WithContext(ctx).Info().
		Str("step", res.Step).
		Int("processed", res.Processed).
		Int("created", res.Created).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Dur("duration", res.Duration).
		Msg("Batch step finished")
	return res
}

func (p *Pipeline) emit(ctx context.Context, topic, key, eventType string, payload any) {
	if err := p.publisher.Publish(ctx, topic, key, events.NewEvent(eventType, eventSource, payload)); err != nil {
		logger.WithContext(ctx).Warn().Err(err).Str("topic", topic).Msg("Failed to publish dividend event")
	}
}

// Ingest pulls the dividend calendar for today through the ingest window,
// upserts securities and inserts new corporate actions. Known
// (security, ex-date) pairs are left untouched.
func (p *Pipeline) Ingest(ctx context.Context) (*types.BatchResult, error) {
	start := time.Now()
	res := &types.BatchResult{Step: StepIngest}
	if p.calendar == nil {
		return nil, apperrors.ErrServiceUnavailable.WithDetails("no dividend calendar configured")
	}

	today := p.Today()
	to := today.AddDate(0, 0, p.cfg.IngestWindowDays)
	entries, err := p.calendar.FetchDividends(ctx, today, to)
	if err != nil {
		logger.WithContext(ctx).Error().Err(err).Msg("Dividend calendar fetch failed")
		return nil, apperrors.ErrProviderUnavailable.WithMessage("Dividend calendar unavailable").WithError(err)
	}

	log := logger.WithContext(ctx)
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if e.Symbol == "" || e.ExDate.IsZero() || e.PayDate.IsZero() || !e.AmountPerShare.IsPositive() {
			res.Skipped++
			continue
		}

		created, err := p.ingestOne(ctx, e, today)
		if err != nil {
			res.Errors++
			res.Messages = append(res.Messages, fmt.Sprintf("%s %s: %v", e.Symbol, e.ExDate.Format(time.DateOnly), err))
			log.Error().Err(err).Str("symbol", e.Symbol).Time("ex_date", e.ExDate).Msg("Failed to ingest dividend")
			continue
		}
		res.Processed++
		if created {
			res.Created++
		}
	}

	return p.finish(ctx, res, start), nil
}

func (p *Pipeline) ingestOne(ctx context.Context, e marketdata.DividendEvent, today time.Time) (bool, error) {
	currency := e.Currency
	if currency == "" {
		currency = types.DefaultCurrency
	}
	frequency := e.Frequency
	if frequency == "" {
		frequency = types.DefaultFrequency
	}
	recordDate := e.RecordDate
	if recordDate.IsZero() {
		recordDate = e.ExDate.AddDate(0, 0, 1)
	}

	sec := &types.Security{
		Symbol:              e.Symbol,
		Name:                e.Name,
		Exchange:            types.DefaultExchange,
		Currency:            currency,
		DividendFrequency:   frequency,
		TTMDividendPerShare: e.AmountPerShare.Mul(decimal.NewFromInt(types.FrequencyMultiplier(frequency))),
	}
	if !e.ExDate.Before(today) {
		exDate := e.ExDate
		sec.NextExDate = &exDate
	}
	sec, err := p.store.UpsertSecurity(ctx, sec)
	if err != nil {
		return false, err
	}

	action := &types.CorporateAction{
		SecurityID:     sec.ID,
		Symbol:         sec.Symbol,
		Type:           types.CorporateActionCashDividend,
		ExDate:         e.ExDate,
		RecordDate:     recordDate,
		PayDate:        e.PayDate,
		AmountPerShare: e.AmountPerShare,
		Currency:       currency,
		Status:         types.ActionPending,
	}
	created, err := p.store.InsertCorporateAction(ctx, action)
	if err != nil || !created {
		return false, err
	}

	p.emit(ctx, events.TopicCorporateActionIngested, action.Symbol, events.EventTypeCorporateActionIngested,
		events.CorporateActionIngestedPayload{
			CorporateActionID: action.ID,
			Symbol:            action.Symbol,
			ExDate:            action.ExDate.Format(time.DateOnly),
			RecordDate:        action.RecordDate.Format(time.DateOnly),
			PayDate:           action.PayDate.Format(time.DateOnly),
			AmountPerShare:    action.AmountPerShare,
			Currency:          action.Currency,
		})
	return true, nil
}

// Snapshot freezes entitlement for every PENDING action whose record date
// has arrived. Quantities are what each holder owns right now; later
// trades do not change them.
func (p *Pipeline) Snapshot(ctx context.Context) (*types.BatchResult, error) {
	start := time.Now()
	res := &types.BatchResult{Step: StepSnapshot}

	actions, err := p.store.ListSnapshotCandidates(ctx, p.Today())
	if err != nil {
		return nil, apperrors.Persistence(err)
	}

	log := logger.WithContext(ctx)
	for _, a := range actions {
		if ctx.Err() != nil {
			break
		}

		holders := 0
		totalShares := decimal.Zero
		n, err := p.store.SnapshotAction(ctx, a.ID, func(positions []types.Position) []types.DividendPayout {
			payouts := make([]types.DividendPayout, 0, len(positions))
			for _, pos := range positions {
				gross, tax, net := Amounts(pos.TotalShares, a.AmountPerShare, p.cfg.WithholdingRate)
				payouts = append(payouts, types.DividendPayout{
					CorporateActionID:    a.ID,
					UserID:               pos.UserID,
					Symbol:               a.Symbol,
					QuantityOnRecordDate: pos.TotalShares,
					GrossAmount:          gross,
					TaxWithheld:          tax,
					NetAmount:            net,
					Status:               types.PayoutPending,
				})
				totalShares = totalShares.Add(pos.TotalShares)
			}
			holders = len(payouts)
			return payouts
		})
		if errors.Is(err, repository.ErrStatusChanged) {
			res.Skipped++
			continue
		}
		if err != nil {
			res.Errors++
			res.Messages = append(res.Messages, fmt.Sprintf("action %s: %v", a.ID, err))
			log.Error().Err(err).Str("corporate_action_id", a.ID).Str("symbol", a.Symbol).Msg("Failed to snapshot holders")
			continue
		}

		res.Processed++
		res.Created += n
		log.Info().
			Str("corporate_action_id", a.ID).
			Str("symbol", a.Symbol).
			Int("holders", holders).
			Int("payouts_created", n).
			Msg("Record date snapshot taken")

		p.emit(ctx, events.TopicDividendSnapshotted, a.Symbol, events.EventTypeDividendSnapshotted,
			events.DividendSnapshottedPayload{
				CorporateActionID: a.ID,
				Symbol:            a.Symbol,
				RecordDate:        a.RecordDate.Format(time.DateOnly),
				Holders:           holders,
				TotalShares:       totalShares,
			})
	}

	return p.finish(ctx, res, start), nil
}

// Settle credits every PENDING payout whose pay date has arrived, and
// FAILED ones too when retrying. Actions with all payouts PAID advance
// to PAID afterwards.
func (p *Pipeline) Settle(ctx context.Context, opts SettleOptions) (*types.BatchResult, error) {
	start := time.Now()
	res := &types.BatchResult{Step: StepSettle}
	today := p.Today()

	items, err := p.store.ListSettlementCandidates(ctx, today, opts.RetryFailed)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}

	log := logger.WithContext(ctx)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		outcome, err := p.settleOne(ctx, item)
		switch {
		case err != nil:
			res.Errors++
			res.Messages = append(res.Messages, fmt.Sprintf("payout %s: %v", item.Payout.ID, err))
			log.Error().Err(err).
				Str("payout_id", item.Payout.ID).
				Str("user_id", item.Payout.UserID).
				Str("symbol", item.Action.Symbol).
				Msg("Dividend settlement failed")
		case outcome == settleSkipped:
			res.Skipped++
		default:
			res.Processed++
		}
	}

	completed, err := p.store.CompletePaidActions(ctx, today)
	if err != nil {
		res.Errors++
		log.Error().Err(err).Msg("Failed to complete corporate actions")
	} else if completed > 0 {
		res.Messages = append(res.Messages, fmt.Sprintf("%d corporate actions paid", completed))
	}

	return p.finish(ctx, res, start), nil
}

type settleOutcome int

const (
	settlePaid settleOutcome = iota
	settleSkipped
)

func (p *Pipeline) settleOne(ctx context.Context, item types.SettlementItem) (settleOutcome, error) {
	payout := item.Payout
	gross, tax, net := Amounts(payout.QuantityOnRecordDate, item.Action.AmountPerShare, p.cfg.WithholdingRate)
	payout.GrossAmount, payout.TaxWithheld, payout.NetAmount = gross, tax, net

	if net.IsPositive() {
		credit, err := p.wallet.Credit(ctx, payout.UserID, net, wallet.CreditOptions{
			Action:         types.ActionDividend,
			Reference:      payout.ID,
			IdempotencyKey: wallet.DividendKey(payout.ID),
			Metadata: map[string]string{
				"payout_id":           payout.ID,
				"corporate_action_id": item.Action.ID,
				"symbol":              item.Action.Symbol,
				"shares":              payout.QuantityOnRecordDate.String(),
				"gross":               gross.StringFixed(cashPlaces),
				"tax":                 tax.StringFixed(cashPlaces),
				"net":                 net.StringFixed(cashPlaces),
			},
		})
		if err != nil {
			if _, markErr := p.store.MarkPayoutFailed(ctx, payout.ID, failureReason(err)); markErr != nil {
				return settlePaid, fmt.Errorf("%w (and failed to mark payout failed: %v)", err, markErr)
			}
			return settlePaid, err
		}
		payout.WalletTransactionID = credit.Transaction.ID
	}

	paidAt := p.cfg.Now().UTC()
	payout.PaidAt = &paidAt
	updated, err := p.store.MarkPayoutPaid(ctx, &payout)
	if err != nil {
		return settlePaid, err
	}
	if !updated {
		return settleSkipped, nil
	}

	logger.WithContext(ctx).Info().
		Str("payout_id", payout.ID).
		Str("user_id", payout.UserID).
		Str("symbol", item.Action.Symbol).
		Str("shares", payout.QuantityOnRecordDate.String()).
		Str("net", net.StringFixed(cashPlaces)).
		Str("transaction_id", payout.WalletTransactionID).
		Msg("Dividend paid")

	p.emit(ctx, events.TopicDividendPaid, payout.UserID, events.EventTypeDividendPaid, events.DividendPaidPayload{
		PayoutID:          payout.ID,
		CorporateActionID: item.Action.ID,
		UserID:            payout.UserID,
		Symbol:            item.Action.Symbol,
		Shares:            payout.QuantityOnRecordDate,
		GrossAmount:       gross,
		TaxAmount:         tax,
		NetAmount:         net,
		PaidAt:            paidAt,
	})
	return settlePaid, nil
}

func failureReason(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		if reason := apperrors.Reason(err); reason != "" {
			return appErr.Code + ": " + reason
		}
		return appErr.Code
	}
	return err.Error()
}

// Upcoming lists PENDING dividends on or after today for symbols the user
// currently holds
func (p *Pipeline) Upcoming(ctx context.Context, userID string) ([]types.UpcomingDividend, error) {
	upcoming, err := p.store.ListUpcomingForUser(ctx, userID, p.Today())
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	return upcoming, nil
}

func (p *Pipeline) History(ctx context.Context, userID string, limit int) ([]types.PayoutHistoryItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	history, err := p.store.ListPayoutHistory(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	return history, nil
}
