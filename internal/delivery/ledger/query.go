package ledger

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"schedbot/internal/delivery"
	"schedbot/internal/storage"
)

var ErrInvalidFilter = errors.New("invalid delivery filter")

const (
	DefaultPerPage = 50
	MinPerPage     = 10
	MaxPerPage     = 100
)

type Filter = storage.DeliveryFilter

type Stats = storage.DeliveryStats

// PageRequest is a 1-based page number and page size. Zero values take
// defaults; out-of-range values are clamped.
type PageRequest struct {
	Page    int
	PerPage int
}

type Page struct {
	Rows       []storage.DeliveryRow `json:"rows"`
	Page       int                   `json:"page"`
	PerPage    int                   `json:"per_page"`
	Total      int                   `json:"total"`
	TotalPages int                   `json:"total_pages"`
}

// ParseFilter reads type, status, date_from and date_to (YYYY-MM-DD) from
// query values. Empty values do not filter.
func (l *Ledger) ParseFilter(v url.Values) (Filter, error) {
	return ParseFilter(v, l.loc)
}

func ParseFilter(v url.Values, loc *time.Location) (Filter, error) {
	if loc == nil {
		loc = time.Local
	}
	var f Filter
	if t := strings.TrimSpace(v.Get("type")); t != "" {
		if !delivery.MessageType(t).Valid() {
			return Filter{}, fmt.Errorf("%w: type %q", ErrInvalidFilter, t)
		}
		f.MessageType = t
	}
	if s := strings.TrimSpace(v.Get("status")); s != "" {
		if !delivery.Status(s).Valid() {
			return Filter{}, fmt.Errorf("%w: status %q", ErrInvalidFilter, s)
		}
		f.Status = s
	}
	var err error
	if f.From, err = parseDay(v.Get("date_from"), loc); err != nil {
		return Filter{}, fmt.Errorf("%w: date_from: %v", ErrInvalidFilter, err)
	}
	if f.To, err = parseDay(v.Get("date_to"), loc); err != nil {
		return Filter{}, fmt.Errorf("%w: date_to: %v", ErrInvalidFilter, err)
	}
	return f, nil
}

// ParsePage reads page and per_page; garbage is treated as absent.
func ParsePage(v url.Values) PageRequest {
	page, _ := strconv.Atoi(strings.TrimSpace(v.Get("page")))
	per, _ := strconv.Atoi(strings.TrimSpace(v.Get("per_page")))
	return PageRequest{Page: page, PerPage: per}
}

func parseDay(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(storage.DateLayout, raw, loc)
}

func (l *Ledger) SummaryStats(ctx context.Context, f Filter) (Stats, error) {
	st, err := l.store.DeliveryStats(ctx, f)
	if err != nil {
		return Stats{}, fmt.Errorf("delivery stats: %w", err)
	}
	if st.ByType == nil {
		st.ByType = map[string]int{}
	}
	return st, nil
}

// QueryPage returns one page of rows, newest first.
func (l *Ledger) QueryPage(ctx context.Context, f Filter, req PageRequest) (Page, error) {
	per := req.PerPage
	switch {
	case per == 0:
		per = DefaultPerPage
	case per < MinPerPage:
		per = MinPerPage
	case per > MaxPerPage:
		per = MaxPerPage
	}

	total, err := l.store.CountDeliveries(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("count deliveries: %w", err)
	}
	pages := max(1, (total+per-1)/per)
	page := min(max(req.Page, 1), pages)

	rows, err := l.store.ListDeliveries(ctx, f, per, (page-1)*per)
	if err != nil {
		return Page{}, fmt.Errorf("list deliveries: %w", err)
	}
	if rows == nil {
		rows = []storage.DeliveryRow{}
	}
	return Page{Rows: rows, Page: page, PerPage: per, Total: total, TotalPages: pages}, nil
}

var csvHeader = []string{"ID", "Date", "Type", "Status", "Error", "Telegram ID", "Name", "Direction", "Course"}

const utf8BOM = "\ufeff"

// ExportCSV writes every row matching f, newest first. Output starts with a
// UTF-8 BOM so spreadsheet tools pick the right encoding.
func (l *Ledger) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	err := l.store.EachDelivery(ctx, f, func(r storage.DeliveryRow) error {
		return cw.Write(csvRecord(r))
	})
	if err != nil {
		return fmt.Errorf("export deliveries: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

func csvRecord(r storage.DeliveryRow) []string {
	rec := []string{
		strconv.FormatInt(r.ID, 10),
		r.DeliveredAt,
		r.MessageType,
		r.Status,
		r.Error,
		"", "-", "-", "",
	}
	if r.RecipientFound {
		rec[5] = strconv.FormatInt(r.TgID, 10)
		rec[6] = r.Name
		rec[7] = r.Direction
		rec[8] = strconv.Itoa(r.Course)
	}
	return rec
}
