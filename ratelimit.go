package ftp

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// newRateLimitedReader wraps r so that reads are throttled to
// bytesPerSecond on average, using a token-bucket limiter with a burst
// equal to one second's worth of bytes (§6 "byte-stream contract":
// Upload's optional bandwidth cap).
func newRateLimitedReader(r io.Reader, bytesPerSecond int64) io.Reader {
	return &rateLimitedReader{r: r, lim: newLimiter(bytesPerSecond)}
}

// newRateLimitedWriter wraps w the same way for Download.
func newRateLimitedWriter(w io.Writer, bytesPerSecond int64) io.Writer {
	return &rateLimitedWriter{w: w, lim: newLimiter(bytesPerSecond)}
}

func newLimiter(bytesPerSecond int64) *rate.Limiter {
	burst := int(bytesPerSecond)
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

type rateLimitedReader struct {
	r   io.Reader
	lim *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > r.lim.Burst() {
		p = p[:r.lim.Burst()]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.lim.WaitN(context.Background(), n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type rateLimitedWriter struct {
	w   io.Writer
	lim *rate.Limiter
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > w.lim.Burst() {
			chunk = chunk[:w.lim.Burst()]
		}
		if err := w.lim.WaitN(context.Background(), len(chunk)); err != nil {
			return total, err
		}
		n, err := w.w.Write(chunk)
		total += n
		if err != nil {
			return total, err
		}
		p = p[len(chunk):]
	}
	return total, nil
}
