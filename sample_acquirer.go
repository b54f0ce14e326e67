// sample_acquirer.go - Resolves genome render parameters to decoded buffers

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// SoundData identifies a genome inside its corpus partition.
type SoundData struct {
	GenomeID   string
	Experiment string
	EvoRunID   string
}

// RenderParams are the acoustic realization parameters for a genome.
type RenderParams struct {
	Duration float64 // seconds
	Pitch    float64 // semitones (note delta)
	Velocity float64 // 0..1
}

func fmtParam(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// renderKey is the resolution key: <genomeId>-<duration>_<pitch>_<velocity>.
// It uniquely identifies the acoustic content of one rendered variant.
func renderKey(genomeID string, rp RenderParams) string {
	return fmt.Sprintf("%s-%s_%s_%s", genomeID,
		fmtParam(rp.Duration), fmtParam(rp.Pitch), fmtParam(rp.Velocity))
}

// SampleAcquirer resolves (genome, params) to a decoded buffer: cache
// first, then the pre-rendered WAV endpoints, then a synthesized render.
// Concurrent requests for one key share a single flight. The cache here
// is unbounded by design; the sample store downstream bounds what the
// renderer actually holds.
type SampleAcquirer struct {
	host   string
	client *http.Client
	group  singleflight.Group

	mu    sync.Mutex
	cache map[string]*DecodedSample
}

func NewSampleAcquirer(host string) *SampleAcquirer {
	return &SampleAcquirer{
		host:   host,
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  make(map[string]*DecodedSample),
	}
}

// GetAudioData resolves one rendered variant. progress, when non-nil, is
// called with coarse stage names ("fetch", "render") before each slow
// step.
func (a *SampleAcquirer) GetAudioData(ctx context.Context, sd SoundData, rp RenderParams, progress func(stage string)) (*DecodedSample, error) {
	key := renderKey(sd.GenomeID, rp)

	a.mu.Lock()
	if ds, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return ds, nil
	}
	a.mu.Unlock()

	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		if progress != nil {
			progress("fetch")
		}
		ds, fetchErr := a.fetchRendered(ctx, sd, key)
		if fetchErr != nil {
			log.Printf("[acquirer] wav fetch failed for %s: %v", key, fetchErr)
			if progress != nil {
				progress("render")
			}
			var renderErr error
			ds, renderErr = a.requestRender(ctx, sd, rp)
			if renderErr != nil {
				log.Printf("[acquirer] render fallback failed for %s: %v", key, renderErr)
				return nil, errors.Wrapf(ErrSampleUnavailable, "%s (fetch: %v; render: %v)", key, fetchErr, renderErr)
			}
		}
		a.mu.Lock()
		a.cache[key] = ds
		a.mu.Unlock()
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DecodedSample), nil
}

// fetchRendered tries the pre-rendered WAV locations in order.
func (a *SampleAcquirer) fetchRendered(ctx context.Context, sd SoundData, key string) (*DecodedSample, error) {
	urls := []string{
		fmt.Sprintf("%s/evorenders/%s/%s.wav", a.host, sd.EvoRunID, key),
		fmt.Sprintf("%s/evoruns/%s/renders/%s.wav", a.host, sd.EvoRunID, key),
	}
	var lastErr error
	for _, url := range urls {
		body, err := a.getWAV(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		ds, err := decodeWAVBytes(body)
		if err != nil {
			lastErr = err
			continue
		}
		return ds, nil
	}
	return nil, lastErr
}

func (a *SampleAcquirer) getWAV(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, url)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, url)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// requestRender asks the render service to synthesize the genome at the
// given parameters. The response body is a decodable WAV.
func (a *SampleAcquirer) requestRender(ctx context.Context, sd SoundData, rp RenderParams) (*DecodedSample, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"genomeId":   sd.GenomeID,
		"experiment": sd.Experiment,
		"evoRunId":   sd.EvoRunID,
		"duration":   rp.Duration,
		"pitch":      rp.Pitch,
		"velocity":   rp.Velocity,
	})
	if err != nil {
		return nil, errors.Wrap(err, "render payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.host+"/render", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "render request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "render request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("render: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "render body")
	}
	return decodeWAVBytes(body)
}

// FetchRaw returns the raw pre-rendered WAV bytes, for downloads.
func (a *SampleAcquirer) FetchRaw(ctx context.Context, sd SoundData, rp RenderParams) ([]byte, string, error) {
	key := renderKey(sd.GenomeID, rp)
	url := fmt.Sprintf("%s/evorenders/%s/%s.wav", a.host, sd.EvoRunID, key)
	body, err := a.getWAV(ctx, url)
	if err != nil {
		return nil, "", errors.Wrapf(ErrSampleUnavailable, "%s: %v", key, err)
	}
	return body, key + ".wav", nil
}
