package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aaronwang/lotbid/internal/models"
	"github.com/aaronwang/lotbid/internal/money"
)

func lotKey(lotID string) string        { return fmt.Sprintf("lot:%s", lotID) }
func bidsKey(lotID string) string       { return fmt.Sprintf("lot:%s:bids", lotID) }
func userKey(userID string) string      { return fmt.Sprintf("user:%s", userID) }
func eventsChannel(lotID string) string { return fmt.Sprintf("%s%s", EventsChannelPrefix, lotID) }

// EventsChannelPrefix prefixes the per-lot change-event channel
const EventsChannelPrefix = "lot_events:"

// pendingLedgerKey maps event id -> BidEvent JSON for bids the ledger
// stream has not confirmed yet.
const pendingLedgerKey = "ledger:pending"

// Hash fields of lot:{id}
const (
	fieldID           = "id"
	fieldSellerID     = "seller_id"
	fieldTitle        = "title"
	fieldCategory     = "category"
	fieldStarting     = "starting_price"
	fieldCurrent      = "current_price"
	fieldReserve      = "reserve_price"
	fieldReserveMet   = "reserve_met"
	fieldEndsAt       = "ends_at"
	fieldStatus       = "status"
	fieldHighBidderID = "high_bidder_id"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
)

func encodeLot(l *models.Lot) map[string]any {
	m := map[string]any{
		fieldID:           l.ID,
		fieldSellerID:     l.SellerID,
		fieldTitle:        l.Title,
		fieldCategory:     l.Category,
		fieldStarting:     l.StartingPrice.String(),
		fieldReserveMet:   boolString(l.ReserveMet),
		fieldEndsAt:       l.EndsAt.UTC().Format(time.RFC3339Nano),
		fieldStatus:       string(l.Status),
		fieldHighBidderID: l.HighBidderID,
		fieldCreatedAt:    l.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldUpdatedAt:    l.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if l.CurrentPrice != nil {
		m[fieldCurrent] = l.CurrentPrice.String()
	}
	if l.ReservePrice != nil {
		m[fieldReserve] = l.ReservePrice.String()
	}
	return m
}

func decodeLot(vals map[string]string) (*models.Lot, error) {
	l := &models.Lot{
		ID:           vals[fieldID],
		SellerID:     vals[fieldSellerID],
		Title:        vals[fieldTitle],
		Category:     vals[fieldCategory],
		Status:       models.LotStatus(vals[fieldStatus]),
		HighBidderID: vals[fieldHighBidderID],
		ReserveMet:   vals[fieldReserveMet] == "1",
	}

	var err error
	if l.StartingPrice, err = money.Parse(vals[fieldStarting]); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fieldStarting, err)
	}
	if l.CurrentPrice, err = optionalMoney(vals, fieldCurrent); err != nil {
		return nil, err
	}
	if l.ReservePrice, err = optionalMoney(vals, fieldReserve); err != nil {
		return nil, err
	}
	if l.EndsAt, err = time.Parse(time.RFC3339Nano, vals[fieldEndsAt]); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fieldEndsAt, err)
	}
	if v := vals[fieldCreatedAt]; v != "" {
		if l.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", fieldCreatedAt, err)
		}
	}
	if v := vals[fieldUpdatedAt]; v != "" {
		if l.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", fieldUpdatedAt, err)
		}
	}
	return l, nil
}

func optionalMoney(vals map[string]string, field string) (*money.Money, error) {
	v, ok := vals[field]
	if !ok || v == "" {
		return nil, nil
	}
	m, err := money.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return &m, nil
}

func decodeTier(vals map[string]string) (models.Tier, error) {
	var t models.Tier
	if v := vals["level"]; v != "" {
		level, err := strconv.Atoi(v)
		if err != nil {
			return t, fmt.Errorf("decode tier level: %w", err)
		}
		t.Level = level
	}
	limit, err := optionalMoney(vals, "cap")
	if err != nil {
		return t, err
	}
	t.Cap = limit
	t.Role = vals["role"]
	return t, nil
}

func encodeTier(t models.Tier) map[string]any {
	m := map[string]any{
		"level": strconv.Itoa(t.Level),
		"role":  t.Role,
		"cap":   "",
	}
	if t.Cap != nil {
		m["cap"] = t.Cap.String()
	}
	return m
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
