package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/ledger"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository"
)

const (
	defaultFeedLimit = 100
	maxFeedLimit     = 1000
	wsWriteTimeout   = 10 * time.Second
)

// --- Request / Response DTOs ---

// FeedCursor resumes the feed in commit order. Filters, including since,
// are passed again unchanged.
type FeedCursor struct {
	AfterSeq int64 `json:"after_seq"`
}

type FeedResponse struct {
	Records []models.RedemptionRecord `json:"records"`
	// Next is set when the page was full; pass it back as after_seq.
	Next *FeedCursor `json:"next,omitempty"`
}

// --- Handler struct & constructor ---

type LedgerHandler struct {
	ledger repository.LedgerStore
	broker *ledger.Broker
	buffer int
	logger *zap.Logger
}

func NewLedgerHandler(store repository.LedgerStore, broker *ledger.Broker, buffer int, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{ledger: store, broker: broker, buffer: buffer, logger: logger}
}

// --- Handlers ---

// Feed handles GET /ledger, the ordered pull feed for analytics.
func (h *LedgerHandler) Feed(w http.ResponseWriter, r *http.Request) {
	filter, err := feedFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	recs, err := h.ledger.ListRecords(r.Context(), filter)
	if err != nil {
		h.logger.Error("ledger feed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	resp := FeedResponse{Records: recs}
	if resp.Records == nil {
		resp.Records = []models.RedemptionRecord{}
	}
	if len(recs) == filter.Limit {
		last := recs[len(recs)-1]
		resp.Next = &FeedCursor{AfterSeq: last.Seq}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stream handles GET /ledger/stream. Records after the optional cursor are
// replayed from storage first, then live records follow as JSON text frames.
// A subscriber that falls behind is closed with StatusTryAgainLater and should
// reconnect with the last cursor it saw.
func (h *LedgerHandler) Stream(w http.ResponseWriter, r *http.Request) {
	filter, err := feedFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// subscribe before reading the backlog so nothing committed in between is lost
	sub := h.broker.Subscribe(filter, h.buffer)
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())
	err = h.stream(ctx, conn, sub, filter)
	switch {
	case err == nil:
	case sub.Dropped():
		_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow, resume from last cursor")
	case websocket.CloseStatus(err) == -1 && ctx.Err() == nil:
		h.logger.Warn("ledger stream failed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func (h *LedgerHandler) stream(ctx context.Context, conn *websocket.Conn, sub *ledger.Subscription, filter models.RecordFilter) error {
	sent := make(map[int64]bool)
	if !filter.Since.IsZero() || filter.AfterSeq > 0 {
		for {
			page, err := h.ledger.ListRecords(ctx, filter)
			if err != nil {
				return err
			}
			for _, rec := range page {
				if err := writeRecord(ctx, conn, rec); err != nil {
					return err
				}
				sent[rec.Seq] = true
			}
			if len(page) < filter.Limit {
				break
			}
			last := page[len(page)-1]
			filter.AfterSeq = last.Seq
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-sub.C():
			if !ok {
				if sub.Dropped() {
					return errors.New("subscriber dropped")
				}
				return nil
			}
			if sent[rec.Seq] {
				delete(sent, rec.Seq)
				continue
			}
			if err := writeRecord(ctx, conn, rec); err != nil {
				return err
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec models.RedemptionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func feedFilter(r *http.Request) (models.RecordFilter, error) {
	q := r.URL.Query()
	since, err := parseTimeOrEmpty(q.Get("since"))
	if err != nil {
		return models.RecordFilter{}, err
	}
	afterSeq, err := parseIntOrDefault(q.Get("after_seq"), 0)
	if err != nil || afterSeq < 0 {
		return models.RecordFilter{}, errors.New("after_seq must be a non-negative integer")
	}
	limit, err := parseIntOrDefault(q.Get("limit"), defaultFeedLimit)
	if err != nil || limit <= 0 {
		return models.RecordFilter{}, errors.New("limit must be a positive integer")
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}
	return models.RecordFilter{
		BenefitID:  q.Get("benefit_id"),
		MemberID:   q.Get("member_id"),
		MerchantID: q.Get("merchant_id"),
		Since:      since,
		AfterSeq:   afterSeq,
		Limit:      int(limit),
	}, nil
}
