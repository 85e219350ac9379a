package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBlastURL   = "https://blast.ncbi.nlm.nih.gov/Blast.cgi"
	defaultRetryDelay = 30 * time.Second
	denialFileName    = "request_denial_response.html"
)

var (
	errOversized  = errors.New("request is too large for the remote service")
	errExpired    = errors.New("request expired")
	errDenied     = errors.New("request denied by the remote service")
	errBadGateway = errors.New("bad gateway")

	ridPattern    = regexp.MustCompile(`RID = (.+)`)
	rtoePattern   = regexp.MustCompile(`RTOE = ([0-9]+)`)
	statusPattern = regexp.MustCompile(`Status=([A-Z]+)`)

	oversizeMarkers = []string{"[blastsrv4.REAL]", "CPU usage limit was exceeded"}
)

type pollStatus int

const (
	pollWaiting pollStatus = iota
	pollReady
	pollReadyNoHits
	pollFailed
	pollExpired
)

func (s pollStatus) String() string {
	switch s {
	case pollWaiting:
		return "waiting"
	case pollReady:
		return "ready"
	case pollReadyNoHits:
		return "ready, no hits"
	case pollFailed:
		return "failed"
	case pollExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// blastService is the request/response surface of a remote aligner.
type blastService interface {
	Submit(ctx context.Context, query string) (rid string, rtoe int, err error)
	Poll(ctx context.Context, rid string) (pollStatus, error)
	Retrieve(ctx context.Context, rid string) ([]byte, error)
	RetrieveText(ctx context.Context, rid string) ([]byte, error)
}

type blastAlgorithm int

const (
	algoMegablast blastAlgorithm = iota
	algoDiscoMegablast
	algoBlastn
)

func (a blastAlgorithm) program() string {
	switch a {
	case algoDiscoMegablast:
		return "discoMegablast"
	case algoBlastn:
		return "blastn"
	default:
		return "megaBlast"
	}
}

// task is the BLAST+ -task value for the algorithm.
func (a blastAlgorithm) task() string {
	switch a {
	case algoDiscoMegablast:
		return "dc-megablast"
	case algoBlastn:
		return "blastn"
	default:
		return "megablast"
	}
}

type searchParams struct {
	algorithm blastAlgorithm
	database  string
	organisms []string
	email     string
	tool      string
}

func (p searchParams) form(query string) url.Values {
	v := url.Values{}
	v.Set("CMD", "Put")
	v.Set("PROGRAM", "blastn")
	if p.algorithm == algoMegablast {
		v.Set("MEGABLAST", "on")
	}
	v.Set("BLAST_PROGRAMS", p.algorithm.program())
	db := p.database
	if db == "" {
		db = "nt"
	}
	v.Set("DATABASE", db)
	v.Set("HITLIST_SIZE", "1")
	if len(p.organisms) > 0 {
		v.Set("NUM_ORG", strconv.Itoa(len(p.organisms)))
		for i, org := range p.organisms {
			key := "EQ_MENU"
			if i > 0 {
				key += strconv.Itoa(i)
			}
			v.Set(key, org)
		}
	}
	if p.email != "" {
		v.Set("EMAIL", p.email)
	}
	if p.tool != "" {
		v.Set("TOOL", p.tool)
	}
	v.Set("QUERY", query)
	return v
}

// ncbiClient talks to the NCBI BLAST URL API. Transport faults are retried
// forever with retryDelay between attempts.
type ncbiClient struct {
	baseURL    string
	http       *http.Client
	params     searchParams
	retryDelay time.Duration
	sleep      func(context.Context, time.Duration) error
	denialPath string
}

func newNCBIClient(baseURL string, params searchParams, denialPath string) *ncbiClient {
	if baseURL == "" {
		baseURL = defaultBlastURL
	}
	return &ncbiClient{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: 5 * time.Minute},
		params:     params,
		retryDelay: defaultRetryDelay,
		sleep:      sleepContext,
		denialPath: denialPath,
	}
}

func (c *ncbiClient) Submit(ctx context.Context, query string) (string, int, error) {
	body, err := c.do(ctx, http.MethodPost, c.params.form(query))
	if err != nil {
		return "", 0, err
	}
	if isOversized(body) {
		return "", 0, errOversized
	}
	m := ridPattern.FindSubmatch(body)
	if m == nil {
		if c.denialPath != "" {
			if werr := os.WriteFile(c.denialPath, body, 0o644); werr == nil {
				return "", 0, fmt.Errorf("%w: response saved to %s", errDenied, c.denialPath)
			}
		}
		return "", 0, errDenied
	}
	rid := strings.TrimSpace(string(m[1]))
	rtoe := 0
	if m := rtoePattern.FindSubmatch(body); m != nil {
		rtoe, _ = strconv.Atoi(string(m[1]))
	}
	return rid, rtoe, nil
}

func (c *ncbiClient) Poll(ctx context.Context, rid string) (pollStatus, error) {
	v := url.Values{}
	v.Set("CMD", "Get")
	v.Set("FORMAT_OBJECT", "SearchInfo")
	v.Set("RID", rid)
	body, err := c.do(ctx, http.MethodGet, v)
	if err != nil {
		return pollWaiting, err
	}
	m := statusPattern.FindSubmatch(body)
	if m == nil {
		return pollExpired, nil
	}
	switch string(m[1]) {
	case "WAITING":
		return pollWaiting, nil
	case "FAILED":
		return pollFailed, nil
	case "READY":
		if bytes.Contains(body, []byte("ThereAreHits=yes")) {
			return pollReady, nil
		}
		return pollReadyNoHits, nil
	default:
		return pollExpired, nil
	}
}

func (c *ncbiClient) Retrieve(ctx context.Context, rid string) ([]byte, error) {
	return c.get(ctx, rid, "JSON2_S")
}

func (c *ncbiClient) RetrieveText(ctx context.Context, rid string) ([]byte, error) {
	return c.get(ctx, rid, "Text")
}

func (c *ncbiClient) get(ctx context.Context, rid, format string) ([]byte, error) {
	v := url.Values{}
	v.Set("CMD", "Get")
	v.Set("FORMAT_TYPE", format)
	v.Set("RID", rid)
	body, err := c.do(ctx, http.MethodGet, v)
	if err != nil {
		return nil, err
	}
	if isOversized(body) {
		return nil, errOversized
	}
	if bytes.Contains(body, []byte("Bad Gateway")) {
		return nil, errBadGateway
	}
	return body, nil
}

// do sends one request, retrying transport faults, 5xx and 408 responses.
func (c *ncbiClient) do(ctx context.Context, method string, v url.Values) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		body, retry, err := c.once(ctx, method, v)
		if err == nil {
			return body, nil
		}
		if !retry || ctx.Err() != nil {
			return nil, err
		}
		logf("Cannot reach %s (attempt %d): %v. Retrying in %s", c.baseURL, attempt, err, c.retryDelay)
		if err := c.sleep(ctx, c.retryDelay); err != nil {
			return nil, err
		}
	}
}

func (c *ncbiClient) once(ctx context.Context, method string, v url.Values) ([]byte, bool, error) {
	var (
		req *http.Request
		err error
	)
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL, strings.NewReader(v.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+"?"+v.Encode(), nil)
	}
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return nil, true, fmt.Errorf("status %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("status %s", resp.Status)
	}
	return body, false, nil
}

func isOversized(body []byte) bool {
	for _, m := range oversizeMarkers {
		if bytes.Contains(body, []byte(m)) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
