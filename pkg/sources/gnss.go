package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"

	"github.com/fieldtrack/fieldloc/pkg"
	"github.com/fieldtrack/fieldloc/pkg/logx"
)

// WatchOptions parameterize a live-positioning request against the GNSS
// capability: how long to wait for a fix and how old a receiver-cached fix
// may be (0 = always fresh).
type WatchOptions struct {
	Timeout      time.Duration
	MaximumAge   time.Duration
	HighAccuracy bool
}

// PositioningCapability is the platform positioning contract the
// orchestrator depends on: a continuous watch plus a one-shot read. The
// concrete implementation is injected so test doubles and other receiver
// hardware can stand in.
type PositioningCapability interface {
	OneShot(ctx context.Context, opts WatchOptions) (*pkg.LocationSample, error)
	Watch(ctx context.Context, opts WatchOptions) (<-chan pkg.LocationSample, error)
}

// GNSSSource reads satellite-grade fixes from an on-vehicle GNSS gateway
// (dish-class terminal) that exposes a gRPC API with server reflection. The
// request is invoked dynamically via reflection, so no vendored protos are
// needed and firmware-side schema drift does not break the build.
type GNSSSource struct {
	logger   *logx.Logger
	priority int
	host     string
	port     int
	timeout  time.Duration
	health   healthState

	mu       sync.Mutex
	lastFix  *pkg.LocationSample
	watchGen int
}

// gateway invocation details, dish-style Handle endpoint
const (
	gnssHandleMethod   = "SpaceX.API.Device.Device/Handle"
	gnssLocationMethod = "get_location"
	gnssWatchInterval  = 5 * time.Second
	gnssMinAccuracyM   = 2.0
)

type gnssLocationResponse struct {
	GetLocation struct {
		LLA struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
			Alt float64 `json:"alt"`
		} `json:"lla"`
		SigmaM float64 `json:"sigmaM"`
	} `json:"getLocation"`
}

// NewGNSSSource creates the satellite-grade source for the gateway at
// host:port. timeout bounds every gRPC exchange.
func NewGNSSSource(priority int, host string, port int, timeout time.Duration, logger *logx.Logger) *GNSSSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GNSSSource{
		logger:   logger,
		priority: priority,
		host:     host,
		port:     port,
		timeout:  timeout,
	}
}

// Name returns the source name.
func (g *GNSSSource) Name() string { return "gnss" }

// Priority returns the source priority.
func (g *GNSSSource) Priority() int { return g.priority }

// Health returns the current health status.
func (g *GNSSSource) Health() SourceHealth { return g.health.snapshot() }

// Available reports whether the gateway answers on its gRPC port.
func (g *GNSSSource) Available(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", g.host, g.port))
	if err != nil {
		g.health.setAvailable(false)
		return false
	}
	conn.Close()
	g.health.setAvailable(true)
	return true
}

// Collect performs a one-shot fresh read (Provider interface).
func (g *GNSSSource) Collect(ctx context.Context) (*pkg.LocationSample, error) {
	return g.OneShot(ctx, WatchOptions{Timeout: g.timeout})
}

// OneShot reads a single fix. A receiver-side cached fix younger than
// opts.MaximumAge is returned without touching the gateway; MaximumAge 0
// forces a fresh read.
func (g *GNSSSource) OneShot(ctx context.Context, opts WatchOptions) (*pkg.LocationSample, error) {
	if opts.MaximumAge > 0 {
		g.mu.Lock()
		last := g.lastFix
		g.mu.Unlock()
		if last != nil && time.Since(last.CapturedAt) <= opts.MaximumAge {
			fix := *last
			return &fix, nil
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	sample, err := g.readFix(callCtx)
	if err != nil {
		g.health.recordError(err)
		return nil, err
	}
	g.health.recordSuccess(time.Since(start))

	g.mu.Lock()
	fix := *sample
	g.lastFix = &fix
	g.mu.Unlock()

	return sample, nil
}

// Watch starts a continuous fix stream, polling the gateway until ctx is
// cancelled. The channel is closed on teardown. Slow consumers never block
// collection; stale intermediate fixes are dropped.
func (g *GNSSSource) Watch(ctx context.Context, opts WatchOptions) (<-chan pkg.LocationSample, error) {
	g.mu.Lock()
	g.watchGen++
	gen := g.watchGen
	g.mu.Unlock()

	ch := make(chan pkg.LocationSample, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(gnssWatchInterval)
		defer ticker.Stop()

		for {
			sample, err := g.OneShot(ctx, opts)
			if err == nil {
				select {
				case ch <- *sample:
				default:
				}
			} else if ctx.Err() == nil {
				g.logger.Debug("gnss watch collection failed", "error", err, "watch_gen", gen)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return ch, nil
}

// readFix performs the dynamic gRPC invocation and maps the reply into a
// LocationSample.
func (g *GNSSSource) readFix(ctx context.Context) (*pkg.LocationSample, error) {
	raw, err := g.invoke(ctx, gnssLocationMethod)
	if err != nil {
		return nil, g.classify(err)
	}
	return g.parseFix(raw)
}

// parseFix maps the gateway's Handle reply JSON into a LocationSample. The
// reported sigma is floored at gnssMinAccuracyM; an all-zero LLA means the
// receiver has no fix yet.
func (g *GNSSSource) parseFix(raw string) (*pkg.LocationSample, error) {
	var resp gnssLocationResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse gateway location response: %w", err)
	}

	lat := resp.GetLocation.LLA.Lat
	lon := resp.GetLocation.LLA.Lon
	if !pkg.ValidCoordinate(lat, lon) {
		return nil, fmt.Errorf("%w: gateway returned no fix", ErrHardwareUnavailable)
	}

	accuracy := resp.GetLocation.SigmaM
	if accuracy < gnssMinAccuracyM {
		accuracy = gnssMinAccuracyM
	}
	alt := resp.GetLocation.LLA.Alt

	return &pkg.LocationSample{
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   accuracy,
		Source:     pkg.SourceSatellite,
		Provider:   g.Name(),
		CapturedAt: time.Now(),
		Altitude:   &alt,
	}, nil
}

// invoke calls the gateway's Handle endpoint with {"<method>":{}} using
// reflection-driven dynamic protobuf messages.
func (g *GNSSSource) invoke(ctx context.Context, method string) (string, error) {
	conn, err := grpc.DialContext(ctx, fmt.Sprintf("%s:%d", g.host, g.port),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("connect to GNSS gateway: %w", err)
	}
	defer conn.Close()

	reflectionClient := grpcreflect.NewClient(ctx, grpc_reflection_v1alpha.NewServerReflectionClient(conn))
	descSource := grpcurl.DescriptorSourceFromServer(ctx, reflectionClient)

	requestJSON := fmt.Sprintf(`{"%s":{}}`, method)
	requestReader := grpcurl.NewJSONRequestParser(strings.NewReader(requestJSON),
		grpcurl.AnyResolverFromDescriptorSource(descSource))

	var responseBuffer strings.Builder
	formatter := grpcurl.NewJSONFormatter(false, grpcurl.AnyResolverFromDescriptorSource(descSource))
	handler := &grpcurl.DefaultEventHandler{
		Out:       &responseBuffer,
		Formatter: formatter,
	}

	if err := grpcurl.InvokeRPC(ctx, descSource, conn, gnssHandleMethod, nil, handler, requestReader.Next); err != nil {
		return "", fmt.Errorf("gateway RPC failed: %w", err)
	}

	return responseBuffer.String(), nil
}

// classify maps transport errors onto the acquisition failure taxonomy.
func (g *GNSSSource) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrHardwareUnavailable, err)
}
