package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/alef/internal/audio"
	"github.com/ent0n29/alef/internal/protocol"
)

type probeOptions struct {
	baseURL        string
	audioPath      string
	turns          int
	chunkMS        int
	realtime       float64
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	verbose        bool
}

func newProbeCmd() *cobra.Command {
	opts := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Replay a recorded clip against a running server and report turn latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			wav, err := os.ReadFile(opts.audioPath)
			if err != nil {
				return fmt.Errorf("read audio: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(opts.turns)*opts.turnTimeout+time.Minute)
			defer cancel()
			report, err := runProbe(ctx, opts, wav, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			report.print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:3000", "server base URL")
	cmd.Flags().StringVar(&opts.audioPath, "audio", "", "16-bit PCM WAV utterance to replay")
	cmd.Flags().IntVar(&opts.turns, "turns", 5, "number of turns to replay")
	cmd.Flags().IntVar(&opts.chunkMS, "chunk-ms", 45, "audio chunk size in milliseconds")
	cmd.Flags().Float64Var(&opts.realtime, "realtime", 3.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	cmd.Flags().DurationVar(&opts.interTurnDelay, "inter-turn", 200*time.Millisecond, "delay between turns")
	cmd.Flags().DurationVar(&opts.turnTimeout, "turn-timeout", 45*time.Second, "timeout waiting for turn_end per turn")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "print replay progress")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

func (o *probeOptions) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	switch {
	case o.baseURL == "":
		return errors.New("base-url is required")
	case o.turns <= 0:
		return errors.New("turns must be > 0")
	case o.chunkMS < 10 || o.chunkMS > 2000:
		return errors.New("chunk-ms must be in [10,2000]")
	case o.realtime <= 0:
		return errors.New("realtime must be > 0")
	case o.turnTimeout < time.Second:
		return errors.New("turn-timeout must be at least 1s")
	}
	return nil
}

type probeTurn struct {
	Outcome     string
	DurationsMS map[string]int64
}

type probeReport struct {
	SessionID string
	Turns     []probeTurn
}

func runProbe(ctx context.Context, opts *probeOptions, wav []byte, progress io.Writer) (probeReport, error) {
	pcm, sampleRate, err := audio.DecodeWAVPCM16(wav)
	if err != nil {
		return probeReport{}, fmt.Errorf("decode audio: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createProbeSession(ctx, httpClient, opts.baseURL)
	if err != nil {
		return probeReport{}, fmt.Errorf("create session: %w", err)
	}
	defer func() { _ = endProbeSession(context.WithoutCancel(ctx), httpClient, opts.baseURL, sessionID) }()

	wsURL, err := turnWSURL(opts.baseURL, sessionID)
	if err != nil {
		return probeReport{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return probeReport{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	w := &probeWriter{conn: conn, sessionID: sessionID}
	endCh := make(chan probeTurn, 4)
	readErrCh := make(chan error, 1)
	go probeReadLoop(conn, w, endCh, readErrCh, progress, opts.verbose)

	report := probeReport{SessionID: sessionID}
	seq := 0
	for i := 0; i < opts.turns; i++ {
		if opts.verbose {
			fmt.Fprintf(progress, "probe: turn %d/%d sample_rate=%dHz bytes=%d\n", i+1, opts.turns, sampleRate, len(pcm))
		}
		if err := w.control(protocol.ActionStart, ""); err != nil {
			return report, fmt.Errorf("turn %d start: %w", i+1, err)
		}
		if err := w.sendAudio(pcm, sampleRate, opts.chunkMS, opts.realtime, &seq); err != nil {
			return report, fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		if err := w.control(protocol.ActionStop, ""); err != nil {
			return report, fmt.Errorf("turn %d stop: %w", i+1, err)
		}
		turn, err := awaitTurnEnd(ctx, endCh, readErrCh, opts.turnTimeout)
		if err != nil {
			return report, fmt.Errorf("turn %d await turn_end: %w", i+1, err)
		}
		report.Turns = append(report.Turns, turn)
		if opts.interTurnDelay > 0 && i < opts.turns-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}
	return report, nil
}

// probeWriter serializes writes from the turn loop and the read loop.
type probeWriter struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

func (w *probeWriter) write(msg any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

func (w *probeWriter) control(action, clipID string) error {
	return w.write(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: w.sessionID,
		Action:    action,
		ClipID:    clipID,
		TSMs:      time.Now().UnixMilli(),
	})
}

func (w *probeWriter) sendAudio(pcm []byte, sampleRate, chunkMS int, realtime float64, seq *int) error {
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	for off := 0; off < len(pcm); {
		end := min(off+bytesPerChunk, len(pcm))
		if (end-off)%2 != 0 {
			end--
		}
		if end <= off {
			break
		}
		*seq++
		err := w.write(protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   w.sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm[off:end]),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		chunk := time.Duration(end-off) * time.Second / time.Duration(sampleRate*2)
		off = end
		time.Sleep(time.Duration(float64(chunk) / realtime))
	}
	return nil
}

type probeEnvelope struct {
	Type        string           `json:"type"`
	TurnID      string           `json:"turn_id"`
	ClipID      string           `json:"clip_id"`
	Outcome     string           `json:"outcome"`
	DurationsMS map[string]int64 `json:"durations_ms"`
	Code        string           `json:"code"`
	Detail      string           `json:"detail"`
}

// probeReadLoop acknowledges every clip as played immediately, so the
// measured latency excludes playback.
func probeReadLoop(conn *websocket.Conn, w *probeWriter, endCh chan<- probeTurn, errCh chan<- error, progress io.Writer, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		var env probeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeAssistantAudio:
			if err := w.control(protocol.ActionPlaybackEnded, env.ClipID); err != nil {
				errCh <- err
				return
			}
		case protocol.TypeTurnEnd:
			endCh <- probeTurn{Outcome: env.Outcome, DurationsMS: env.DurationsMS}
		case protocol.TypeErrorEvent:
			if verbose {
				fmt.Fprintf(progress, "probe: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func awaitTurnEnd(ctx context.Context, endCh <-chan probeTurn, errCh <-chan error, timeout time.Duration) (probeTurn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t := <-endCh:
		return t, nil
	case err := <-errCh:
		return probeTurn{}, err
	case <-timer.C:
		return probeTurn{}, fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return probeTurn{}, ctx.Err()
	}
}

func createProbeSession(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions", bytes.NewReader([]byte(`{"label":"probe"}`)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", errors.New("missing session_id in response")
	}
	return out.SessionID, nil
}

func endProbeSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func turnWSURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/turn/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r probeReport) print(out io.Writer) {
	outcomes := map[string]int{}
	var toAudio []int64
	for _, t := range r.Turns {
		outcomes[t.Outcome]++
		if ms, ok := t.DurationsMS["turn_to_audio"]; ok {
			toAudio = append(toAudio, ms)
		}
	}
	fmt.Fprintf(out, "session: %s turns: %d\n", r.SessionID, len(r.Turns))
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-12s %d\n", k, outcomes[k])
	}
	if len(toAudio) == 0 {
		return
	}
	sort.Slice(toAudio, func(i, j int) bool { return toAudio[i] < toAudio[j] })
	fmt.Fprintf(out, "turn_to_audio ms: p50=%d p95=%d max=%d\n",
		percentile(toAudio, 0.50), percentile(toAudio, 0.95), toAudio[len(toAudio)-1])
}

func percentile(sorted []int64, q float64) int64 {
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx]
}
