package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"vrchat-backend/internal/logx"
	"vrchat-backend/internal/metrics"
	"vrchat-backend/internal/store"
)

const (
	cacheKey     = "listings"
	maxSheetBody = 4 << 20

	SourceCache    = "cache"
	SourceSheet    = "sheet"
	SourceSnapshot = "snapshot"
)

var ErrUnavailable = errors.New("listings unavailable")

// Board is the payload served to the scene.
type Board struct {
	Listings []Listing `json:"listings"`
	Tiles    []Tile    `json:"tiles"`
	Scene    Scene     `json:"scene"`
	Source   string    `json:"source"`
}

type Loader struct {
	url    string
	client *http.Client
	cache  store.Cache
	ttl    time.Duration
	snap   *store.FileSnapshot
}

// NewLoader reads listings from url. cache and snap may be nil.
func NewLoader(url string, client *http.Client, cache store.Cache, ttl time.Duration, snap *store.FileSnapshot) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Loader{url: url, client: client, cache: cache, ttl: ttl, snap: snap}
}

// Load returns the board from cache, else from the sheet, else from the last
// good snapshot.
func (l *Loader) Load(ctx context.Context) (*Board, error) {
	if b := l.fromCache(ctx); b != nil {
		metrics.RecordListingsLoad(SourceCache)
		return b, nil
	}

	board, raw, err := l.fetch(ctx)
	if err == nil {
		metrics.RecordListingsLoad(SourceSheet)
		l.remember(ctx, raw)
		return board, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	logx.Log.Warn().Err(err).Str("url", l.url).Msg("sheet fetch failed")

	if b := l.fromSnapshot(); b != nil {
		metrics.RecordListingsLoad(SourceSnapshot)
		return b, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (l *Loader) fetch(ctx context.Context) (*Board, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("sheet status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSheetBody))
	if err != nil {
		return nil, nil, err
	}
	listings, err := ParseGviz(body)
	if err != nil {
		return nil, nil, err
	}
	board := &Board{Listings: listings, Tiles: Layout(listings), Scene: DefaultScene(), Source: SourceSheet}
	raw, err := json.Marshal(board)
	if err != nil {
		return nil, nil, err
	}
	return board, raw, nil
}

func (l *Loader) remember(ctx context.Context, raw []byte) {
	if l.cache != nil {
		if err := l.cache.Set(ctx, cacheKey, raw, l.ttl); err != nil {
			logx.Log.Warn().Err(err).Msg("listings cache write failed")
		}
	}
	if l.snap != nil {
		if err := l.snap.Write(raw); err != nil {
			logx.Log.Warn().Err(err).Str("path", l.snap.Path()).Msg("listings snapshot write failed")
		}
	}
}

func (l *Loader) fromCache(ctx context.Context) *Board {
	if l.cache == nil {
		return nil
	}
	raw, ok, err := l.cache.Get(ctx, cacheKey)
	if err != nil {
		logx.Log.Warn().Err(err).Msg("listings cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	return decodeBoard(raw, SourceCache)
}

func (l *Loader) fromSnapshot() *Board {
	if l.snap == nil {
		return nil
	}
	raw, err := l.snap.Read()
	if err != nil {
		logx.Log.Warn().Err(err).Str("path", l.snap.Path()).Msg("listings snapshot read failed")
		return nil
	}
	if raw == nil {
		return nil
	}
	return decodeBoard(raw, SourceSnapshot)
}

func decodeBoard(raw []byte, source string) *Board {
	var b Board
	if err := json.Unmarshal(raw, &b); err != nil {
		logx.Log.Warn().Err(err).Str("source", source).Msg("discarding unreadable listings payload")
		return nil
	}
	b.Source = source
	return &b
}
