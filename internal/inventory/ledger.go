package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// AddItem appends a line to an editable transaction and keeps its total and
// unit holds in step.
func (s *Service) AddItem(ctx context.Context, actorID, txID int64, in ItemInput) (TransactionItem, error) {
	if err := s.validateStruct(in); err != nil {
		return TransactionItem{}, err
	}
	var out TransactionItem
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.LockTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if err := editable(t); err != nil {
			return err
		}
		if err := validateItemFields(t.Type, in.Quantity, in.UnitPrice, in.Direction); err != nil {
			return err
		}
		items, err := tx.ListItems(ctx, txID)
		if err != nil {
			return err
		}
		if slices.ContainsFunc(items, func(it TransactionItem) bool { return it.ProductID == in.ProductID }) {
			return fmt.Errorf("%w: product %d", ErrDuplicateProductLine, in.ProductID)
		}
		products, err := tx.LockProducts(ctx, []int64{in.ProductID})
		if err != nil {
			return err
		}
		item, err := s.insertItem(ctx, tx, t, in, products[in.ProductID])
		if err != nil {
			return err
		}
		if err := s.resum(ctx, tx, txID, actorID); err != nil {
			return err
		}
		out = item
		return nil
	})
	if err != nil {
		return TransactionItem{}, err
	}
	s.logger.Info("transaction item added",
		slog.Int64("transaction_id", txID),
		slog.Int64("item_id", out.ID),
		slog.Int64("product_id", out.ProductID))
	s.record(ctx, actorID, "transaction_item:add", txID, map[string]any{
		"item_id":    out.ID,
		"product_id": out.ProductID,
		"quantity":   out.Quantity,
		"serials":    len(out.Serials),
	})
	return out, nil
}

// UpdateItem applies a partial update to a line of an editable transaction.
func (s *Service) UpdateItem(ctx context.Context, actorID, txID, itemID int64, upd ItemUpdate) (TransactionItem, error) {
	if err := s.validateStruct(upd); err != nil {
		return TransactionItem{}, err
	}
	var out TransactionItem
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.LockTransaction(ctx, txID)
		if err != nil {
			return err
		}
		current, err := ownedItem(ctx, tx, txID, itemID)
		if err != nil {
			return err
		}
		if err := editable(t); err != nil {
			return err
		}

		next := current
		if upd.Quantity != nil {
			next.Quantity = *upd.Quantity
		}
		if upd.UnitPrice != nil {
			next.UnitPrice = *upd.UnitPrice
		}
		if upd.Direction != nil {
			next.Direction = *upd.Direction
		}
		if upd.Serials != nil {
			next.Serials = slices.Clone(*upd.Serials)
			if next.Serials == nil {
				next.Serials = []string{}
			}
		}
		if err := validateItemFields(t.Type, next.Quantity, next.UnitPrice, next.Direction); err != nil {
			return err
		}
		next.LineTotal = LineTotal(next.Quantity, next.UnitPrice)

		products, err := tx.LockProducts(ctx, []int64{next.ProductID})
		if err != nil {
			return err
		}
		product := products[next.ProductID]
		if err := tx.UpdateItem(ctx, next); err != nil {
			return err
		}
		if next.Direction != current.Direction {
			if err := s.engine.dropItem(ctx, tx, t, current, product); err != nil {
				return err
			}
			if err := s.engine.syncItem(ctx, tx, t, next, product, nil); err != nil {
				return err
			}
		} else if err := s.engine.syncItem(ctx, tx, t, next, product, current.Serials); err != nil {
			return err
		}
		if upd.Serials != nil && !slices.Equal(next.Serials, current.Serials) {
			if err := tx.ReplaceItemSerials(ctx, itemID, next.Serials); err != nil {
				return err
			}
		}
		if err := s.resum(ctx, tx, t.ID, actorID); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return TransactionItem{}, err
	}
	s.record(ctx, actorID, "transaction_item:update", out.TransactionID, map[string]any{
		"item_id":    out.ID,
		"product_id": out.ProductID,
		"quantity":   out.Quantity,
		"serials":    len(out.Serials),
	})
	return out, nil
}

// DeleteItem removes a line from an editable transaction, releasing its holds.
func (s *Service) DeleteItem(ctx context.Context, actorID, txID, itemID int64) error {
	var removed TransactionItem
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.LockTransaction(ctx, txID)
		if err != nil {
			return err
		}
		current, err := ownedItem(ctx, tx, txID, itemID)
		if err != nil {
			return err
		}
		if err := editable(t); err != nil {
			return err
		}
		products, err := tx.LockProducts(ctx, []int64{current.ProductID})
		if err != nil {
			return err
		}
		if err := s.engine.dropItem(ctx, tx, t, current, products[current.ProductID]); err != nil {
			return err
		}
		if err := tx.DeleteItem(ctx, itemID); err != nil {
			return err
		}
		removed = current
		return s.resum(ctx, tx, t.ID, actorID)
	})
	if err != nil {
		return err
	}
	s.record(ctx, actorID, "transaction_item:delete", removed.TransactionID, map[string]any{
		"item_id":    removed.ID,
		"product_id": removed.ProductID,
	})
	return nil
}

// insertItem writes one line with its serial set and applies the serial
// checks the transaction's status calls for.
func (s *Service) insertItem(ctx context.Context, tx TxRepository, t Transaction, in ItemInput, product Product) (TransactionItem, error) {
	item, err := tx.InsertItem(ctx, TransactionItem{
		TransactionID: t.ID,
		ProductID:     in.ProductID,
		Quantity:      in.Quantity,
		UnitPrice:     in.UnitPrice,
		LineTotal:     LineTotal(in.Quantity, in.UnitPrice),
		Direction:     in.Direction,
	})
	if err != nil {
		return TransactionItem{}, err
	}
	item.Serials = slices.Clone(in.Serials)
	if item.Serials == nil {
		item.Serials = []string{}
	}
	if err := s.engine.syncItem(ctx, tx, t, item, product, nil); err != nil {
		return TransactionItem{}, err
	}
	if len(item.Serials) > 0 {
		if err := tx.ReplaceItemSerials(ctx, item.ID, item.Serials); err != nil {
			return TransactionItem{}, err
		}
	}
	return item, nil
}

// resum recomputes the transaction total from its lines.
func (s *Service) resum(ctx context.Context, tx TxRepository, txID, actorID int64) error {
	items, err := tx.ListItems(ctx, txID)
	if err != nil {
		return err
	}
	return tx.UpdateTransactionTotal(ctx, txID, SumLineTotals(items), actorID)
}

// ownedItem loads an item and checks it belongs to txID.
func ownedItem(ctx context.Context, tx TxRepository, txID, itemID int64) (TransactionItem, error) {
	item, err := tx.GetItem(ctx, itemID)
	if err != nil {
		return TransactionItem{}, err
	}
	if item.TransactionID != txID {
		return TransactionItem{}, fmt.Errorf("%w: item %d in transaction %d", ErrNotFound, itemID, txID)
	}
	return item, nil
}

func editable(t Transaction) error {
	if t.Status.AllowsItemEdit() {
		return nil
	}
	return fmt.Errorf("%w: transaction %d is %s", ErrItemsLocked, t.ID, t.Status)
}
