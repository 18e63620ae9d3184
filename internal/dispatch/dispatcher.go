package dispatch

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/runverify/replay-runner/internal/logging"
	"github.com/runverify/replay-runner/internal/metrics"
	"github.com/runverify/replay-runner/internal/resilience"
	"github.com/runverify/replay-runner/internal/retrytax"
	"github.com/runverify/replay-runner/internal/runmodel"
	"github.com/runverify/replay-runner/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Dispatcher walks a configured list of providers, dispatching to the
// first one whose Detect matches (spec §4.4 step 1). Each provider gets
// its own circuit breaker so a single flaky file host can't stall every
// run referencing it (SPEC_FULL supplement #1).
type Dispatcher struct {
	providers []Provider
	breakers  map[string]*resilience.CircuitBreaker
	security  SecurityConfig
}

// New builds a Dispatcher over providers, tried in the given order.
func New(providers []Provider, security SecurityConfig) *Dispatcher {
	breakers := make(map[string]*resilience.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Tag()] = resilience.NewCircuitBreaker("dispatch."+p.Tag(), resilience.DefaultCircuitBreakerConfig())
	}
	return &Dispatcher{providers: providers, breakers: breakers, security: security}
}

// Fetch implements the dispatcher algorithm (spec §4.4 steps 1–5). output
// is either a directory (the provider's file name is appended) or a full
// destination path.
func (d *Dispatcher) Fetch(ctx context.Context, description string, output string) (runmodel.FileMeta, string, *retrytax.ClassifiedError) {
	ctx, span := tracing.Get().StartSpan(ctx, "dispatch-download")
	defer span.End()

	provider, handle, ok := d.detect(description)
	if !ok {
		err := retrytax.Finalf("no link found in description")
		tracing.SetError(ctx, err)
		return runmodel.FileMeta{}, "", err
	}
	span.SetAttributes(attribute.String("dispatch.provider", provider.Tag()))

	breaker := d.breakers[provider.Tag()]
	fail := func(ce *retrytax.ClassifiedError) *retrytax.ClassifiedError {
		metrics.DispatchFailures.WithLabelValues(provider.Tag(), ce.Class.String()).Inc()
		tracing.SetError(ctx, ce)
		return ce
	}

	var info runmodel.FileMeta
	var classified *retrytax.ClassifiedError
	err := breaker.Execute(ctx, func() error {
		var infoErr error
		info, infoErr = provider.GetFileInfo(ctx, handle)
		if infoErr != nil {
			classified = classify(infoErr)
			return classified
		}
		return nil
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen {
			return runmodel.FileMeta{}, "", fail(retrytax.Retryablef("provider %s circuit open", provider.Tag()))
		}
		return runmodel.FileMeta{}, "", fail(classified)
	}

	if secErr := validateFileInfo(info, d.security); secErr != nil {
		return runmodel.FileMeta{}, "", fail(secErr.(*retrytax.ClassifiedError))
	}

	if spaceErr := d.checkFreeSpace(output); spaceErr != nil {
		return runmodel.FileMeta{}, "", fail(spaceErr)
	}

	dest := destinationFor(output, info.Name)

	err = breaker.Execute(ctx, func() error {
		dlErr := provider.Download(ctx, handle, dest)
		if dlErr != nil {
			classified = classify(dlErr)
			return classified
		}
		return nil
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen {
			return runmodel.FileMeta{}, "", fail(retrytax.Retryablef("provider %s circuit open", provider.Tag()))
		}
		return runmodel.FileMeta{}, "", fail(classified)
	}

	if verr := d.verify(dest, info); verr != nil {
		return runmodel.FileMeta{}, "", fail(verr)
	}

	downloaded := info.Size
	if st, err := os.Stat(dest); err == nil {
		downloaded = st.Size()
	}
	metrics.DispatchBytes.Observe(float64(downloaded))
	logging.Get().Info("download dispatched",
		zap.String("provider", provider.Tag()),
		zap.String("file", info.Name),
		zap.Int64("size", info.Size),
	)
	return info, dest, nil
}

func (d *Dispatcher) detect(description string) (Provider, string, bool) {
	for _, p := range d.providers {
		if handle, ok := p.Detect(description); ok {
			return p, handle, true
		}
	}
	return nil, "", false
}

// checkFreeSpace is the preflight bound from SPEC_FULL supplement #4: a
// download is never started if the destination volume has less free space
// than MinFreeDiskBytes.
func (d *Dispatcher) checkFreeSpace(output string) *retrytax.ClassifiedError {
	if d.security.MinFreeDiskBytes == 0 {
		return nil
	}
	dir := output
	if info, err := os.Stat(output); err != nil || !info.IsDir() {
		dir = filepath.Dir(output)
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return retrytax.Retryablef("failed to probe free disk space: %v", err)
	}
	if usage.Free < d.security.MinFreeDiskBytes {
		return retrytax.Retryablef("insufficient free disk space: %d bytes free, need at least %d", usage.Free, d.security.MinFreeDiskBytes)
	}
	return nil
}

func (d *Dispatcher) verify(dest string, info runmodel.FileMeta) *retrytax.ClassifiedError {
	f, err := os.Open(dest)
	if err != nil {
		return retrytax.Retryablef("reopen downloaded file: %v", err)
	}
	defer f.Close()

	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil {
		return retrytax.Finalf("failed to read file header: %v", err)
	}

	stat, err := f.Stat()
	if err != nil {
		return retrytax.Retryablef("stat downloaded file: %v", err)
	}

	if verr := validateDownloadedFile(dest, info, d.security, stat.Size(), header); verr != nil {
		return verr.(*retrytax.ClassifiedError)
	}
	return nil
}

// classify maps a raw provider error to the taxonomy, per spec §4.4
// "Failure semantics". Providers are expected to return *retrytax.ClassifiedError
// directly when they already know the class (HTTP status, Retry-After);
// classify is the fallback for anything else.
func classify(err error) *retrytax.ClassifiedError {
	if ce, ok := err.(*retrytax.ClassifiedError); ok {
		return ce
	}
	return retrytax.Retryablef("%s", err.Error())
}
