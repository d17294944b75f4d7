// Package fetch resolves installer references to verified content. A
// reference is a host or URL, optionally carrying an expected digest as a
// fragment ("sh.rustup.rs#sha256:<hex>"). Content with a digest is verified
// before being handed to the caller; without one, TLS is the baseline.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/calderahq/caldera/pkg/engine"
)

// maxPayload caps installer script size. Anything larger is not a script.
const maxPayload = 32 << 20

// HTTPFetcher implements engine.VerifiedFetcher over HTTPS.
type HTTPFetcher struct {
	client *http.Client
	logger zerolog.Logger
}

// New creates a fetcher with a bounded request timeout.
func New(logger zerolog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: 2 * time.Minute},
		logger: logger.With().Str("component", "fetch").Logger(),
	}
}

// Fetch downloads the referenced content and verifies its digest when the
// reference carries one.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	url, wantSum := splitRef(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, engine.Permanent(engine.CodeValidation, "bad fetch reference "+ref, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, engine.Transient(engine.CodeStepFailed, "fetch of "+url+" failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, engine.Transient(engine.CodeStepFailed,
			fmt.Sprintf("fetch of %s returned %d", url, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, engine.Permanent(engine.CodeStepFailed,
			fmt.Sprintf("fetch of %s returned %d", url, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload+1))
	if err != nil {
		return nil, engine.Transient(engine.CodeStepFailed, "fetch of "+url+" interrupted", err)
	}
	if len(body) > maxPayload {
		return nil, engine.Permanent(engine.CodeValidation, "fetched content exceeds size limit: "+url, nil)
	}

	if wantSum != "" {
		sum := sha256.Sum256(body)
		got := hex.EncodeToString(sum[:])
		if got != strings.ToLower(wantSum) {
			return nil, engine.Permanent(engine.CodeChecksumMismatch,
				fmt.Sprintf("fetched content from %s failed verification: want sha256 %s, got %s", url, wantSum, got), nil)
		}
	}

	f.logger.Debug().Str("url", url).Int("bytes", len(body)).Bool("verified", wantSum != "").Msg("fetched")
	return body, nil
}

// splitRef separates the URL from an optional "#sha256:<hex>" fragment and
// defaults the scheme to https.
func splitRef(ref string) (url, sha string) {
	url = ref
	if i := strings.Index(ref, "#sha256:"); i >= 0 {
		url = ref[:i]
		sha = ref[i+len("#sha256:"):]
	}
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	return url, sha
}
