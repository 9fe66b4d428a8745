package scraper

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medleads/clinic-scout/internal/model"
)

// Lister discovers clinic candidates for a search query.
type Lister interface {
	Search(ctx context.Context, query string) ([]model.Clinic, error)
}

// Options control browser behavior for a scrape.
type Options struct {
	Headless          bool
	MaxResults        int
	MaxScrollAttempts int
	NavTimeout        time.Duration
	Settle            time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxResults <= 0 {
		o.MaxResults = 50
	}
	if o.MaxScrollAttempts <= 0 {
		o.MaxScrollAttempts = 30
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = 60 * time.Second
	}
	if o.Settle <= 0 {
		o.Settle = 3 * time.Second
	}
}

// Scraper drives a headless Chrome instance against Google Maps. Each
// Search call launches its own browser so parallel regions stay
// isolated and a crash never poisons a sibling.
type Scraper struct {
	opts Options
}

// New creates a Scraper.
func New(opts Options) *Scraper {
	opts.withDefaults()
	return &Scraper{opts: opts}
}

// listing is one entry scraped out of the results feed.
type listing struct {
	Href      string `json:"href"`
	Name      string `json:"name"`
	Sponsored bool   `json:"sponsored"`
}

// detailPayload carries the raw field values read off a place page.
type detailPayload struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
	Rating  string `json:"rating"`
	Reviews string `json:"reviews"`
}

// pageProbe classifies the page after a search navigation.
type pageProbe struct {
	HasFeed bool   `json:"hasFeed"`
	H1      string `json:"h1"`
}

// Search runs a Maps search and extracts clinic candidates. The browser
// session is detached from the caller's cancellation: the orchestrator
// observes cancel at stage boundaries, so an in-flight extraction runs
// to completion instead of dying mid-navigation. Per-step timeouts and
// the scroll cap still bound the session, and the deferred cancel tears
// the browser down either way.
func (s *Scraper) Search(ctx context.Context, query string) ([]model.Clinic, error) {
	browserCtx, cancel := s.newBrowser(context.WithoutCancel(ctx))
	defer cancel()

	start := time.Now()
	log := zap.L().With(zap.String("query", query))
	log.Info("scrape started", zap.Int("max_results", s.opts.MaxResults))

	if err := s.navigate(browserCtx, SearchURL(query)); err != nil {
		return nil, eris.Wrapf(err, "scraper: open search page for %q", query)
	}
	dismissConsent(browserCtx)

	probe, err := probePage(browserCtx)
	if err != nil {
		return nil, eris.Wrap(err, "scraper: probe search page")
	}

	// A query like "渋谷 AGA" sometimes resolves straight to one
	// business instead of a result list. Appending a clinic keyword
	// usually brings the list back.
	if singleResult(probe) && NeedsClinicRetry(query) {
		retryQuery := query + " クリニック"
		log.Warn("single result page detected, retrying with clinic keyword",
			zap.String("h1", probe.H1),
			zap.String("retry_query", retryQuery))

		if err := s.navigate(browserCtx, SearchURL(retryQuery)); err != nil {
			return nil, eris.Wrapf(err, "scraper: retry search for %q", retryQuery)
		}
		dismissConsent(browserCtx)

		if probe, err = probePage(browserCtx); err != nil {
			return nil, eris.Wrap(err, "scraper: probe retry page")
		}
	}

	var clinics []model.Clinic
	if singleResult(probe) {
		clinic, err := s.extractCurrentPlace(browserCtx, probe.H1, SearchURL(query), false)
		if err != nil {
			return nil, eris.Wrap(err, "scraper: extract single result")
		}
		if clinic != nil {
			clinics = append(clinics, *clinic)
		}
	} else {
		listings, err := s.collectListings(browserCtx, log)
		if err != nil {
			return nil, eris.Wrap(err, "scraper: collect result listings")
		}

		for i, l := range listings {
			clinic, err := s.extractPlace(browserCtx, l)
			if err != nil {
				log.Warn("place extraction failed",
					zap.Int("index", i),
					zap.String("name", l.Name),
					zap.Error(err))
				continue
			}
			if clinic != nil {
				clinics = append(clinics, *clinic)
			}
		}
	}

	log.Info("scrape completed",
		zap.Int("clinics", len(clinics)),
		zap.Duration("elapsed", time.Since(start)))
	return clinics, nil
}

func (s *Scraper) newBrowser(parent context.Context) (context.Context, context.CancelFunc) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("lang", "ja-JP"),
		chromedp.WindowSize(1280, 720),
		chromedp.UserAgent("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) "+
			"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if path := os.Getenv("CHROME_PATH"); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return browserCtx, func() {
		browserCancel()
		allocCancel()
	}
}

func (s *Scraper) navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.opts.NavTimeout)
	defer cancel()

	return chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.opts.Settle),
	)
}

// dismissConsent clicks the Japanese cookie consent button if present.
// Absence is the normal case.
func dismissConsent(ctx context.Context) {
	clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	err := chromedp.Run(clickCtx,
		chromedp.Click(`//button[contains(., "同意する")]`, chromedp.BySearch, chromedp.NodeVisible),
		chromedp.Sleep(time.Second),
	)
	if err == nil {
		zap.L().Debug("dismissed consent dialog")
	}
}

func probePage(ctx context.Context) (pageProbe, error) {
	const js = `(function() {
		const h1 = document.querySelector('h1');
		return {
			hasFeed: !!document.querySelector('[role="feed"]'),
			h1: h1 ? h1.innerText.trim() : '',
		};
	})()`

	var probe pageProbe
	if err := chromedp.Run(ctx, chromedp.Evaluate(js, &probe)); err != nil {
		return pageProbe{}, err
	}
	return probe, nil
}

// singleResult reports whether the page shows one business detail
// instead of a result feed. The feed page titles itself "結果".
func singleResult(p pageProbe) bool {
	return !p.HasFeed && p.H1 != "" && p.H1 != "結果"
}

// collectListings scrolls the result feed until it stops growing, the
// result cap is reached, or the scroll budget runs out.
func (s *Scraper) collectListings(ctx context.Context, log *zap.Logger) ([]listing, error) {
	const js = `(function() {
		const out = [];
		const seen = new Set();
		const els = Array.from(document.querySelectorAll('a[href*="/maps/place/"]'));
		for (const el of els) {
			const href = el.href || '';
			if (!href || seen.has(href)) continue;
			seen.add(href);
			const card = el.closest('div[role="article"]') || el.parentElement;
			out.push({
				href: href,
				name: el.getAttribute('aria-label') || '',
				sponsored: card ? card.innerText.includes('スポンサー') : false,
			});
		}
		return out;
	})()`

	const scrollJS = `(function() {
		const feed = document.querySelector('[role="feed"]');
		if (feed) feed.scrollTop = feed.scrollHeight;
	})()`

	var listings []listing
	prevCount := 0
	stale := 0

	for attempt := 0; attempt < s.opts.MaxScrollAttempts; attempt++ {
		if err := chromedp.Run(ctx, chromedp.Evaluate(js, &listings)); err != nil {
			return nil, err
		}

		if len(listings) >= s.opts.MaxResults {
			break
		}
		if len(listings) == prevCount {
			stale++
			if stale >= 3 {
				log.Debug("feed exhausted", zap.Int("results", len(listings)))
				break
			}
		} else {
			stale = 0
		}
		prevCount = len(listings)

		if err := chromedp.Run(ctx,
			chromedp.Evaluate(scrollJS, nil),
			chromedp.Sleep(time.Second),
		); err != nil {
			return nil, err
		}
	}

	if len(listings) > s.opts.MaxResults {
		listings = listings[:s.opts.MaxResults]
	}
	log.Info("listings collected", zap.Int("count", len(listings)))
	return listings, nil
}

// extractPlace opens a listing's place page and reads its details.
func (s *Scraper) extractPlace(ctx context.Context, l listing) (*model.Clinic, error) {
	if err := s.navigate(ctx, l.Href); err != nil {
		return nil, fmt.Errorf("navigate place page: %w", err)
	}
	return s.extractCurrentPlace(ctx, l.Name, l.Href, l.Sponsored)
}

// extractCurrentPlace reads clinic details from the place page the
// browser is currently on.
func (s *Scraper) extractCurrentPlace(ctx context.Context, fallbackName, sourceURL string, sponsored bool) (*model.Clinic, error) {
	const js = `(function() {
		const text = (sel) => {
			const el = document.querySelector(sel);
			return el ? el.innerText.trim() : '';
		};
		const attr = (sel, a) => {
			const el = document.querySelector(sel);
			return el ? (el.getAttribute(a) || '') : '';
		};
		return {
			name: text('h1.DUwDvf') || text('h1'),
			url: attr('a[data-item-id="authority"]', 'href'),
			address: text('[data-item-id="address"] .fontBodyMedium') || text('button[data-item-id="address"]'),
			phone: text('[data-item-id^="phone"]'),
			rating: attr('[role="img"][aria-label*="つ星"]', 'aria-label'),
			reviews: attr('[aria-label*="件のクチコミ"]', 'aria-label'),
		};
	})()`

	var payload detailPayload
	if err := chromedp.Run(ctx, chromedp.Evaluate(js, &payload)); err != nil {
		return nil, fmt.Errorf("read place details: %w", err)
	}

	clinic := buildClinic(payload, fallbackName, sourceURL, sponsored)
	if clinic.Name == "" {
		return nil, nil
	}
	return &clinic, nil
}

// buildClinic converts raw page fields into a Clinic.
func buildClinic(p detailPayload, fallbackName, sourceURL string, sponsored bool) model.Clinic {
	name := p.Name
	if name == "" {
		name = strings.TrimSpace(fallbackName)
	}

	c := model.Clinic{
		Name:      name,
		URL:       p.URL,
		Address:   p.Address,
		Phone:     ParsePhone(p.Phone),
		Rating:    ParseRating(p.Rating),
		Reviews:   ParseReviews(p.Reviews),
		SourceURL: sourceURL,
		Sponsored: sponsored,
	}
	c.Area = model.AreaFromAddress(c.Address)
	c.Sanitize()
	return c
}
