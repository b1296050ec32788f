package payment

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/config"
	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/fault"
	"github.com/parkgrid/parking/internal/log"
	"github.com/parkgrid/parking/internal/metrics"
	"github.com/parkgrid/parking/internal/store"
)

// Service issues receipts against open transactions and settles them.
type Service struct {
	store store.Store
	clk   clock.Clock
	bank  config.Bank
	fee   config.Fee
	log   zerolog.Logger
}

func NewService(st store.Store, clk clock.Clock, bank config.Bank, fee config.Fee) *Service {
	return &Service{
		store: st,
		clk:   clk,
		bank:  bank,
		fee:   fee,
		log:   log.WithComponent("payment"),
	}
}

// FeeQuote prices the plate's open transaction as if the vehicle exited
// right now.
func (s *Service) FeeQuote(ctx context.Context, plate string) (amount int64, minutes int64, err error) {
	tx, ok, err := s.store.OpenTransactionByPlate(ctx, plate)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fault.Errorf(fault.NotFound, "NO_OPEN_TRANSACTION", "no open transaction for plate %s", plate)
	}
	amount, minutes = Quote(tx.TimeIn, s.clk.Now(), s.fee)
	return amount, minutes, nil
}

// CreateVietQR opens a PENDING receipt with a scannable QR image URL.
// Amount defaults to the live quote for the plate's open transaction.
func (s *Service) CreateVietQR(ctx context.Context, plate string, amount *int64) (core.Payment, error) {
	amt, err := s.resolveAmount(ctx, plate, amount)
	if err != nil {
		return core.Payment{}, err
	}
	content := TransferContent()
	p := core.Payment{
		PaymentID:       uuid.NewString(),
		Plate:           plate,
		Amount:          amt,
		Method:          core.MethodVietQR,
		Status:          core.PaymentPending,
		TransferContent: content,
		QRURL:           core.StrPtr(QRURL(s.bank, amt, content)),
		CreatedAt:       s.clk.Now(),
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return core.Payment{}, err
	}
	metrics.Payments.WithLabelValues(p.Method, p.Status).Inc()
	s.log.Info().Str("payment_id", p.PaymentID).Str("plate", plate).Int64("amount", amt).Msg("vietqr payment created")
	return p, nil
}

// CreateManual opens a PENDING receipt for a transfer the payer makes by
// hand; no QR image, just the transfer content.
func (s *Service) CreateManual(ctx context.Context, plate string, amount *int64) (core.Payment, error) {
	amt, err := s.resolveAmount(ctx, plate, amount)
	if err != nil {
		return core.Payment{}, err
	}
	p := core.Payment{
		PaymentID:       uuid.NewString(),
		Plate:           plate,
		Amount:          amt,
		Method:          core.MethodManual,
		Status:          core.PaymentPending,
		TransferContent: TransferContent(),
		CreatedAt:       s.clk.Now(),
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return core.Payment{}, err
	}
	metrics.Payments.WithLabelValues(p.Method, p.Status).Inc()
	s.log.Info().Str("payment_id", p.PaymentID).Str("plate", plate).Int64("amount", amt).Msg("manual payment created")
	return p, nil
}

// CreateCash records money that already changed hands at the booth. The
// receipt starts PAID.
func (s *Service) CreateCash(ctx context.Context, plate string, amount int64) (core.Payment, error) {
	now := s.clk.Now()
	p := core.Payment{
		PaymentID:       uuid.NewString(),
		Plate:           plate,
		Amount:          amount,
		Method:          core.MethodCash,
		Status:          core.PaymentPaid,
		TransferContent: TransferContent(),
		CreatedAt:       now,
		PaidAt:          &now,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return core.Payment{}, err
	}
	metrics.Payments.WithLabelValues(p.Method, p.Status).Inc()
	s.log.Info().Str("payment_id", p.PaymentID).Str("plate", plate).Int64("amount", amount).Msg("cash payment recorded")
	return p, nil
}

// Confirm settles a PENDING receipt. Confirming twice is fine: the second
// call reports alreadyPaid without touching the row.
func (s *Service) Confirm(ctx context.Context, paymentID string) (core.Payment, bool, error) {
	alreadyPaid, err := s.store.ConfirmPayment(ctx, paymentID, s.clk.Now())
	if err != nil {
		return core.Payment{}, false, err
	}
	p, err := s.store.Payment(ctx, paymentID)
	if err != nil {
		return core.Payment{}, false, err
	}
	if !alreadyPaid {
		metrics.Payments.WithLabelValues(p.Method, p.Status).Inc()
		s.log.Info().Str("payment_id", paymentID).Msg("payment confirmed")
	}
	return p, alreadyPaid, nil
}

// Get looks a receipt up by id.
func (s *Service) Get(ctx context.Context, paymentID string) (core.Payment, error) {
	return s.store.Payment(ctx, paymentID)
}

func (s *Service) resolveAmount(ctx context.Context, plate string, amount *int64) (int64, error) {
	if amount != nil {
		if *amount <= 0 {
			return 0, fault.New(fault.BadInput, "BAD_AMOUNT", "amount must be positive")
		}
		return *amount, nil
	}
	amt, _, err := s.FeeQuote(ctx, plate)
	return amt, err
}
