// Package diagnostics snapshots a page when a failure cannot be explained.
package diagnostics

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"larder/internal/browser"
	"larder/internal/failures"
)

// scanJS collects ARIA live regions, error-styled elements and visible form
// controls in one round trip.
const scanJS = `() => {
	const visible = el => !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
	const text = el => (el.innerText || el.textContent || '').trim().slice(0, 300);
	const uniq = arr => [...new Set(arr.filter(Boolean))];

	const live = uniq([...document.querySelectorAll('[aria-live],[role="alert"],[role="status"]')]
		.filter(visible).map(text));

	const errors = uniq([...document.querySelectorAll(
		'.error,.errors,.alert-danger,.alert-error,.invalid-feedback,.field-error,[class*="error" i],[aria-invalid="true"] ~ *'
	)].filter(visible).map(text)).slice(0, 20);

	const labelFor = el => {
		if (el.labels && el.labels.length) return text(el.labels[0]);
		return el.getAttribute('aria-label') || '';
	};
	const controls = [...document.querySelectorAll('input,select,textarea,button')]
		.filter(el => visible(el) && el.type !== 'hidden')
		.slice(0, 40)
		.map(el => ({
			tag: el.tagName.toLowerCase(),
			type: el.type || '',
			name: el.name || '',
			id: el.id || '',
			placeholder: el.placeholder || '',
			label: labelFor(el).slice(0, 80)
		}));

	return { live, errors, controls };
}`

type scan struct {
	Live     []string               `json:"live"`
	Errors   []string               `json:"errors"`
	Controls []failures.FormControl `json:"controls"`
}

// Capture builds a diagnostic bundle. It never fails: whatever could be
// read is returned.
func Capture(ctx context.Context, page browser.Page, errorSelectors ...string) *failures.Diagnostics {
	d := &failures.Diagnostics{}
	if page == nil {
		return d
	}
	if info, err := page.Info(ctx); err == nil {
		d.URL, d.Title = info.URL, info.Title
	}

	for _, sel := range errorSelectors {
		if sel == "" {
			continue
		}
		if ok, _ := page.Has(ctx, sel); !ok {
			continue
		}
		if t, err := page.Text(ctx, sel); err == nil && strings.TrimSpace(t) != "" {
			d.ErrorTexts = appendUnique(d.ErrorTexts, strings.TrimSpace(t))
		}
	}

	var s scan
	if err := browser.EvalInto(ctx, page, &s, scanJS); err != nil {
		log.Debug().Err(err).Msg("Diagnostic page scan failed")
	} else {
		for _, t := range s.Errors {
			d.ErrorTexts = appendUnique(d.ErrorTexts, t)
		}
		d.LiveRegions = s.Live
		d.FormControls = s.Controls
	}
	return d
}

// Attach captures diagnostics and attaches them to err.
func Attach(ctx context.Context, err error, supplier string, page browser.Page, errorSelectors ...string) error {
	if err == nil {
		return nil
	}
	d := Capture(ctx, page, errorSelectors...)
	log.Warn().Err(err).Str("supplier", supplier).Str("diagnostics", d.String()).Msg("Captured failure diagnostics")
	return failures.WithDiagnostics(err, supplier, d)
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
