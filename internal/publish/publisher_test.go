package publish

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medleads/clinic-scout/internal/model"
	"github.com/medleads/clinic-scout/pkg/sheets"
)

// fakeSheets is an in-memory sheets.Client.
type fakeSheets struct {
	rows       [][]string
	fetchErr   error
	appendErr  error
	fetchCalls int
	appends    [][][]string
}

func (f *fakeSheets) FetchValues(_ context.Context, _, _ string) (*sheets.ValueRange, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &sheets.ValueRange{Values: f.rows}, nil
}

func (f *fakeSheets) AppendValues(_ context.Context, _, _ string, values [][]string) (*sheets.AppendResponse, error) {
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	f.appends = append(f.appends, values)
	f.rows = append(f.rows, values...)
	resp := &sheets.AppendResponse{}
	resp.Updates.UpdatedRows = len(values)
	return resp, nil
}

func qualifying(name, url, address, phone string) model.VerifiedClinic {
	official := true
	return model.VerifiedClinic{
		Clinic: model.Clinic{Name: name, URL: url, Address: address, Phone: phone},
		Verdict: model.Verdict{
			IsOfficialSite: &official,
			NormalizedName: name,
		},
	}
}

func newTestPublisher(fake *fakeSheets) *Publisher {
	p := New(fake, "sheet-123", "クリニックリスト")
	p.now = func() time.Time { return time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC) }
	return p
}

func existingHeader() []string {
	out := make([]string, len(Header))
	copy(out, Header)
	return out
}

func TestPublish_AppendsNewRows(t *testing.T) {
	fake := &fakeSheets{rows: [][]string{existingHeader()}}
	p := newTestPublisher(fake)

	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	published, skipped, err := p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{
		qualifying("渋谷AGAクリニック", "https://shibuya.example.com", "東京都渋谷区道玄坂1-2-3", "03-1111-2222"),
		qualifying("スマイルAGAクリニック", "https://smile.example.com", "東京都渋谷区桜丘町4-5", "03-3333-4444"),
	})

	require.NoError(t, err)
	assert.Len(t, published, 2)
	assert.Empty(t, skipped)
	require.Len(t, fake.appends, 1, "one batched write per region")

	rows := fake.appends[0]
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0][0])
	assert.Equal(t, "渋谷AGAクリニック", rows[0][1])
	assert.Equal(t, "渋谷区", rows[0][4])
	assert.Equal(t, "渋谷", rows[0][5])
	assert.Equal(t, "未送信", rows[0][11])
	assert.Equal(t, "2", rows[1][0])
}

func TestPublish_SkipsExistingRows(t *testing.T) {
	existing := make([]string, len(Header))
	existing[1] = "渋谷AGAクリニック"
	existing[3] = "東京都渋谷区道玄坂1-2-3"
	fake := &fakeSheets{rows: [][]string{existingHeader(), existing}}
	p := newTestPublisher(fake)

	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	published, skipped, err := p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{
		qualifying("渋谷AGAクリニック", "https://shibuya.example.com", "東京都渋谷区道玄坂1-2-3", ""),
		qualifying("新顔クリニック", "https://new.example.com", "東京都渋谷区神南1-1", ""),
	})

	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, "新顔クリニック", published[0].Clinic.Name)
	require.Len(t, skipped, 1)
	assert.Equal(t, "渋谷AGAクリニック", skipped[0].Clinic.Name)

	// Numbering continues after the existing data row.
	assert.Equal(t, "2", fake.appends[0][0][0])
}

func TestPublish_IdempotentAcrossRuns(t *testing.T) {
	fake := &fakeSheets{rows: [][]string{existingHeader()}}
	p := newTestPublisher(fake)
	clinic := qualifying("渋谷AGAクリニック", "https://shibuya.example.com", "東京都渋谷区道玄坂1-2-3", "")

	// First run publishes.
	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	published, _, err := p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{clinic})
	require.NoError(t, err)
	require.Len(t, published, 1)

	// Second run sees the row in its fresh snapshot and skips it.
	dedup2, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	published2, skipped2, err := p.Publish(context.Background(), dedup2, "渋谷", []model.VerifiedClinic{clinic})
	require.NoError(t, err)
	assert.Empty(t, published2)
	assert.Len(t, skipped2, 1)
	assert.Len(t, fake.appends, 1, "exactly one row ever written")
}

func TestPublish_DedupSurvivesNameNormalization(t *testing.T) {
	fake := &fakeSheets{rows: [][]string{existingHeader()}}
	p := newTestPublisher(fake)

	official := true
	clinic := model.VerifiedClinic{
		Clinic: model.Clinic{
			Name:    "スマイルAGAクリニック渋谷院",
			Address: "東京都渋谷区道玄坂1-2-3",
		},
		Verdict: model.Verdict{
			IsOfficialSite: &official,
			NormalizedName: "スマイルAGAクリニック",
		},
	}

	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	published, _, err := p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{clinic})
	require.NoError(t, err)
	require.Len(t, published, 1)

	// The stored name cell carries the normalized name, so a fresh
	// snapshot rebuilds the exact key the first run published under.
	assert.Equal(t, "スマイルAGAクリニック", fake.appends[0][0][1])

	dedup2, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	published2, skipped2, err := p.Publish(context.Background(), dedup2, "渋谷", []model.VerifiedClinic{clinic})
	require.NoError(t, err)
	assert.Empty(t, published2)
	assert.Len(t, skipped2, 1)
	assert.Len(t, fake.appends, 1, "exactly one row ever written")
}

func TestPublish_BootstrapsHeaderOnEmptySheet(t *testing.T) {
	fake := &fakeSheets{}
	p := newTestPublisher(fake)

	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	_, _, err = p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{
		qualifying("渋谷AGAクリニック", "https://shibuya.example.com", "東京都渋谷区道玄坂1-2-3", ""),
	})
	require.NoError(t, err)

	require.Len(t, fake.appends, 1)
	require.Len(t, fake.appends[0], 2)
	assert.Equal(t, Header, fake.appends[0][0])
	assert.Equal(t, "1", fake.appends[0][1][0])

	// The header is written once; the next region appends bare data rows.
	_, _, err = p.Publish(context.Background(), dedup, "新宿", []model.VerifiedClinic{
		qualifying("新宿AGAクリニック", "https://shinjuku.example.com", "東京都新宿区西新宿1-1", ""),
	})
	require.NoError(t, err)
	require.Len(t, fake.appends, 2)
	assert.Equal(t, "2", fake.appends[1][0][0])
}

func TestPublish_HeaderRetriedAfterFailedAppend(t *testing.T) {
	fake := &fakeSheets{appendErr: &sheets.APIError{StatusCode: http.StatusForbidden, Body: "nope"}}
	p := newTestPublisher(fake)

	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	clinic := qualifying("渋谷AGAクリニック", "", "東京都渋谷区道玄坂1-2-3", "")
	_, _, err = p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{clinic})
	require.Error(t, err)

	fake.appendErr = nil
	_, _, err = p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{clinic})
	require.NoError(t, err)
	assert.Equal(t, Header, fake.appends[0][0])
}

func TestPublish_DuplicateWithinRunAcrossRegions(t *testing.T) {
	fake := &fakeSheets{}
	p := newTestPublisher(fake)

	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	clinic := qualifying("全国AGAクリニック", "https://zenkoku.example.com", "東京都新宿区西新宿1-1", "")
	published1, _, err := p.Publish(context.Background(), dedup, "新宿", []model.VerifiedClinic{clinic})
	require.NoError(t, err)
	require.Len(t, published1, 1)

	published2, skipped2, err := p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{clinic})
	require.NoError(t, err)
	assert.Empty(t, published2)
	assert.Len(t, skipped2, 1)
}

func TestPublish_FailedAppendReleasesKeys(t *testing.T) {
	fake := &fakeSheets{appendErr: &sheets.APIError{StatusCode: http.StatusForbidden, Body: "nope"}}
	p := newTestPublisher(fake)

	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	clinic := qualifying("渋谷AGAクリニック", "https://shibuya.example.com", "東京都渋谷区道玄坂1-2-3", "")
	_, _, err = p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{clinic})
	require.Error(t, err)

	// The same clinic can be published once the destination recovers.
	fake.appendErr = nil
	published, _, err := p.Publish(context.Background(), dedup, "渋谷", []model.VerifiedClinic{clinic})
	require.NoError(t, err)
	assert.Len(t, published, 1)
}

func TestPublish_EmptyBatchWritesNothing(t *testing.T) {
	fake := &fakeSheets{}
	p := newTestPublisher(fake)

	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	published, skipped, err := p.Publish(context.Background(), dedup, "渋谷", nil)
	require.NoError(t, err)
	assert.Empty(t, published)
	assert.Empty(t, skipped)
	assert.Empty(t, fake.appends)
}

func TestSnapshot_FetchError(t *testing.T) {
	fake := &fakeSheets{fetchErr: errors.New("unreachable")}
	p := newTestPublisher(fake)

	_, err := p.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestSnapshot_FetchesOncePerRun(t *testing.T) {
	fake := &fakeSheets{}
	p := newTestPublisher(fake)

	dedup, err := p.Snapshot(context.Background())
	require.NoError(t, err)

	for _, region := range []string{"渋谷", "新宿", "池袋"} {
		_, _, err := p.Publish(context.Background(), dedup, region, []model.VerifiedClinic{
			qualifying(region+"クリニック", "", "東京都"+region+"区1-1", ""),
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.fetchCalls)
}

func TestDedupKey(t *testing.T) {
	tests := []struct {
		name    string
		a, b    [3]string // name, address, phone
		wantEq  bool
	}{
		{
			name:   "full width and spacing fold together",
			a:      [3]string{"ＡＧＡスキン クリニック", "東京都 渋谷区1-2-3", ""},
			b:      [3]string{"AGAスキンクリニック", "東京都渋谷区1-2-3", ""},
			wantEq: true,
		},
		{
			name:   "phone fallback when address absent",
			a:      [3]string{"渋谷クリニック", "", "03-1234-5678"},
			b:      [3]string{"渋谷クリニック", "", "03(1234)5678"},
			wantEq: true,
		},
		{
			name:   "different addresses differ",
			a:      [3]string{"渋谷クリニック", "東京都渋谷区1-1", ""},
			b:      [3]string{"渋谷クリニック", "東京都渋谷区2-2", ""},
			wantEq: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := DedupKey(tt.a[0], tt.a[1], tt.a[2])
			kb := DedupKey(tt.b[0], tt.b[1], tt.b[2])
			if tt.wantEq {
				assert.Equal(t, ka, kb)
			} else {
				assert.NotEqual(t, ka, kb)
			}
		})
	}

	assert.Empty(t, DedupKey("", "addr", "phone"), "no key without a name")
	assert.Empty(t, DedupKey("名前だけ", "", ""), "no key without address or phone")
}

func TestTestConnection(t *testing.T) {
	fake := &fakeSheets{rows: [][]string{existingHeader(), {"1", "x"}}}
	p := newTestPublisher(fake)

	info, err := p.TestConnection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sheet-123", info.SpreadsheetID)
	assert.Equal(t, "クリニックリスト", info.SheetName)
	assert.Equal(t, 2, info.Rows)
}

func TestExportXLSX(t *testing.T) {
	fake := &fakeSheets{rows: [][]string{existingHeader(), {"1", "渋谷AGAクリニック"}}}
	p := newTestPublisher(fake)

	path := filepath.Join(t.TempDir(), "clinics.xlsx")
	n, err := p.ExportXLSX(context.Background(), path)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, path)
}
