// Package progress counts bytes flowing through a reader.
package progress

import "io"

// Reader wraps an io.Reader and reports progress via a callback.
type Reader struct {
	reader         io.Reader
	total          int64
	onProgress     func(read int64, total int64)
	read           int64 // cumulative
	sinceReport    int64
	reportInterval int64
}

// NewReader reports every interval bytes and once more when the read count
// crosses total. A nil cb only counts.
func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n <= 0 {
		return n, err
	}

	prev := pr.read
	pr.read += int64(n)
	pr.sinceReport += int64(n)

	if pr.onProgress == nil {
		return n, err
	}

	finished := pr.total > 0 && prev < pr.total && pr.read >= pr.total
	if finished || (pr.reportInterval > 0 && pr.sinceReport >= pr.reportInterval) {
		pr.onProgress(pr.read, pr.total)
		pr.sinceReport = 0
	}

	return n, err
}

// BytesRead is the number of bytes returned to callers so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
