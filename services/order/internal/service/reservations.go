package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/brokerx/brokerx/services/order/internal/domain"
	"github.com/brokerx/brokerx/services/order/internal/gateway"
	"github.com/brokerx/brokerx/services/order/internal/reservation"
	"github.com/brokerx/brokerx/services/order/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const rebuildConcurrency = 8

// ApplyFill records an execution report. A fill that completes a buy order
// frees the order's reservation.
func (s *OrderService) ApplyFill(ctx context.Context, fill storage.Fill) (result storage.FillResult, err error) {
	defer func() {
		if s.metrics == nil {
			return
		}
		label := "applied"
		switch {
		case err != nil:
			label = "error"
		case result.AlreadyProcessed:
			label = "duplicate"
		case result.Completed:
			label = "completed"
		}
		s.metrics.FillsApplied.WithLabelValues(label).Inc()
	}()

	result, err = s.store.ApplyFill(ctx, fill)
	if err != nil {
		return result, fmt.Errorf("apply fill %s to order %s: %w", fill.EventID, fill.OrderID, err)
	}
	if result.AlreadyProcessed || !result.Completed {
		return result, nil
	}
	if result.Order.Side == domain.SideBuy {
		if _, walletID, ok := s.ledger.ReservedAmount(result.Order.ID); ok {
			released := s.ledger.Release(result.Order.ID, walletID)
			s.logger.Info("order filled, reservation released", "order_id", result.Order.ID, "released", released.String())
		}
	}
	return result, nil
}

// RebuildReservations re-reserves cash for every open buy order. The ledger
// lives in memory, so this runs once at startup before traffic is accepted.
func (s *OrderService) RebuildReservations(ctx context.Context) (int, error) {
	open, err := s.store.ListOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}

	byAccount := make(map[uuid.UUID][]domain.Order)
	for _, o := range open {
		if o.Side == domain.SideBuy {
			byAccount[o.AccountID] = append(byAccount[o.AccountID], o)
		}
	}

	var restored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)
	for accountID, orders := range byAccount {
		accountID, orders := accountID, orders
		g.Go(func() error {
			wallet, err := s.gateway.GetWallet(gctx, accountID)
			if errors.Is(err, gateway.ErrWalletNotFound) {
				s.logger.Warn("no wallet for account with open orders", "account_id", accountID, "orders", len(orders))
				return nil
			}
			if err != nil {
				return fmt.Errorf("wallet for account %s: %w", accountID, err)
			}
			for i := range orders {
				amount := s.ledger.ReservationAmount(&orders[i])
				if !amount.IsPositive() {
					continue
				}
				if err := s.ledger.Restore(orders[i].ID, wallet.ID, amount); err != nil {
					if errors.Is(err, reservation.ErrAlreadyReserved) {
						continue
					}
					return fmt.Errorf("restore order %s: %w", orders[i].ID, err)
				}
				restored.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(restored.Load()), err
	}
	s.logger.Info("reservations rebuilt", "orders", restored.Load(), "accounts", len(byAccount))
	return int(restored.Load()), nil
}

func (s *OrderService) ReservationStats() reservation.Stats {
	return s.ledger.Stats()
}
