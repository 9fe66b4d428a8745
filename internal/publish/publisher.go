package publish

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/width"

	"github.com/medleads/clinic-scout/internal/model"
	"github.com/medleads/clinic-scout/internal/resilience"
	"github.com/medleads/clinic-scout/pkg/sheets"
)

// Header is the destination sheet's column layout. Rows are append-only;
// the pipeline never mutates or deletes published rows.
var Header = []string{
	"No.",
	"クリニック名",
	"公式サイトURL",
	"住所",
	"所在地（区）",
	"地域",
	"電話番号",
	"評価",
	"口コミ数",
	"取得元URL",
	"取得日時",
	"ステータス",
	"初回送信日",
	"フォロー1回目",
	"フォロー2回目",
	"掲載日",
	"備考",
}

const initialStatus = "未送信"

// Publisher appends verified clinics to the shared spreadsheet.
type Publisher struct {
	client        sheets.Client
	spreadsheetID string
	sheetName     string
	now           func() time.Time
}

// New creates a Publisher.
func New(client sheets.Client, spreadsheetID, sheetName string) *Publisher {
	return &Publisher{
		client:        client,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		now:           time.Now,
	}
}

// Dedup is the "already published" snapshot for one run. It is fetched
// once at run start; regions publishing in parallel extend it under a
// lock so the same clinic never lands twice within a run either.
type Dedup struct {
	mu     sync.Mutex
	keys   map[string]struct{}
	nextNo int

	// headerNeeded is set when the destination sheet is empty; the
	// first successful batch then writes the header row ahead of its
	// data rows.
	headerNeeded bool
}

// Snapshot fetches the existing rows once and builds the dedup index.
func (p *Publisher) Snapshot(ctx context.Context) (*Dedup, error) {
	vr, err := p.fetchRows(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "publish: fetch existing rows")
	}

	d := &Dedup{
		keys:         make(map[string]struct{}),
		headerNeeded: len(vr.Values) == 0,
	}
	rows := vr.Values
	if len(rows) > 0 && isHeaderRow(rows[0]) {
		rows = rows[1:]
	}

	nameIdx, addrIdx, phoneIdx := columnIndexes(vr.Values)
	for _, row := range rows {
		key := DedupKey(cell(row, nameIdx), cell(row, addrIdx), cell(row, phoneIdx))
		if key != "" {
			d.keys[key] = struct{}{}
		}
	}
	d.nextNo = len(rows) + 1

	zap.L().Info("dedup snapshot loaded",
		zap.Int("existing_rows", len(rows)),
		zap.Int("keys", len(d.keys)))
	return d, nil
}

// Publish appends one region's qualifying clinics in a single batched
// write. Duplicates are skipped, not failed. The write is all-or-nothing
// for the region.
func (p *Publisher) Publish(ctx context.Context, dedup *Dedup, region string, clinics []model.VerifiedClinic) (published, skipped []model.VerifiedClinic, err error) {
	dedup.mu.Lock()
	var rows [][]string
	var keys []string
	no := dedup.nextNo
	for _, vc := range clinics {
		// The dedup key and the stored クリニック名 cell must be built
		// from the same name, or the next run's snapshot reconstructs
		// a different key and republishes the row.
		name := publishedName(vc)
		key := DedupKey(name, vc.Clinic.Address, vc.Clinic.Phone)
		if _, dup := dedup.keys[key]; key == "" || dup {
			skipped = append(skipped, vc)
			continue
		}
		rows = append(rows, p.buildRow(no, region, name, vc))
		keys = append(keys, key)
		published = append(published, vc)
		no++
	}
	// Reserve the keys and numbering before releasing the lock so a
	// sibling region cannot race the same clinic into its own batch.
	for _, k := range keys {
		dedup.keys[k] = struct{}{}
	}
	dedup.nextNo = no
	writeHeader := dedup.headerNeeded && len(rows) > 0
	if writeHeader {
		dedup.headerNeeded = false
	}
	dedup.mu.Unlock()

	if len(rows) == 0 {
		zap.L().Info("nothing new to publish",
			zap.String("region", region),
			zap.Int("skipped", len(skipped)))
		return published, skipped, nil
	}

	payload := rows
	if writeHeader {
		payload = append([][]string{Header}, rows...)
	}

	if err := p.appendRows(ctx, payload); err != nil {
		// The batch never landed, release its keys for a later run.
		dedup.mu.Lock()
		for _, k := range keys {
			delete(dedup.keys, k)
		}
		if writeHeader {
			dedup.headerNeeded = true
		}
		dedup.mu.Unlock()
		return nil, skipped, eris.Wrapf(err, "publish: append rows for region %q", region)
	}

	zap.L().Info("rows published",
		zap.String("region", region),
		zap.Int("published", len(published)),
		zap.Int("skipped", len(skipped)))
	return published, skipped, nil
}

// publishedName is the canonical clinic name written to the sheet: the
// verifier's normalized name, falling back to the scraped listing name.
func publishedName(vc model.VerifiedClinic) string {
	if name := strings.TrimSpace(vc.Verdict.NormalizedName); name != "" {
		return name
	}
	return vc.Clinic.Name
}

func (p *Publisher) buildRow(no int, region, name string, vc model.VerifiedClinic) []string {
	c := vc.Clinic
	rating := ""
	if c.Rating > 0 {
		rating = strconv.FormatFloat(c.Rating, 'f', -1, 64)
	}
	reviews := ""
	if c.Reviews > 0 {
		reviews = strconv.Itoa(c.Reviews)
	}

	return []string{
		strconv.Itoa(no),
		name,
		c.URL,
		c.Address,
		c.Area,
		region,
		c.Phone,
		rating,
		reviews,
		c.SourceURL,
		p.now().Format("2006-01-02 15:04:05"),
		initialStatus,
		"", // 初回送信日
		"", // フォロー1回目
		"", // フォロー2回目
		"", // 掲載日
		"", // 備考
	}
}

func (p *Publisher) readRange() string {
	return p.sheetName + "!A:Q"
}

func (p *Publisher) fetchRows(ctx context.Context) (*sheets.ValueRange, error) {
	policy := resilience.DefaultPolicy("sheets", "fetch-values")
	policy.ShouldRetry = shouldRetrySheets

	return resilience.DoVal(ctx, policy, func(ctx context.Context) (*sheets.ValueRange, error) {
		return p.client.FetchValues(ctx, p.spreadsheetID, p.readRange())
	})
}

func (p *Publisher) appendRows(ctx context.Context, rows [][]string) error {
	policy := resilience.DefaultPolicy("sheets", "append-values")
	policy.ShouldRetry = shouldRetrySheets

	return resilience.Do(ctx, policy, func(ctx context.Context) error {
		_, err := p.client.AppendValues(ctx, p.spreadsheetID, p.readRange(), rows)
		return err
	})
}

func shouldRetrySheets(err error) bool {
	var apiErr *sheets.APIError
	if errors.As(err, &apiErr) {
		return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
	}
	return resilience.IsTransient(err)
}

// ConnectionInfo reports the destination reachable from this process.
type ConnectionInfo struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetName     string `json:"sheet_name"`
	Rows          int    `json:"rows"`
}

// TestConnection verifies credentials and destination by reading the
// sheet once.
func (p *Publisher) TestConnection(ctx context.Context) (*ConnectionInfo, error) {
	vr, err := p.fetchRows(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "publish: test connection")
	}
	return &ConnectionInfo{
		SpreadsheetID: p.spreadsheetID,
		SheetName:     p.sheetName,
		Rows:          len(vr.Values),
	}, nil
}

// DedupKey builds the duplicate-detection key: normalized name plus
// normalized address, falling back to the phone number when the address
// is absent. Returns "" when no stable key can be formed.
func DedupKey(name, address, phone string) string {
	n := normalizeKey(name)
	if n == "" {
		return ""
	}
	if a := normalizeKey(address); a != "" {
		return n + "|" + a
	}
	if ph := model.NormalizePhone(phone); ph != "" {
		return n + "|" + ph
	}
	return ""
}

// normalizeKey folds full-width characters, lowercases and strips all
// whitespace so superficial formatting differences don't defeat dedup.
func normalizeKey(s string) string {
	s = width.Fold.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), "")
}

func isHeaderRow(row []string) bool {
	return len(row) > 0 && (row[0] == "No." || row[0] == "no.")
}

// columnIndexes locates the name, address and phone columns from the
// header row, defaulting to this package's schema positions.
func columnIndexes(rows [][]string) (name, addr, phone int) {
	name, addr, phone = 1, 3, 6
	if len(rows) == 0 || !isHeaderRow(rows[0]) {
		return name, addr, phone
	}
	for i, h := range rows[0] {
		switch h {
		case "クリニック名":
			name = i
		case "住所":
			addr = i
		case "電話番号":
			phone = i
		}
	}
	return name, addr, phone
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}
