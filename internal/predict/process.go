package predict

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"sync"
)

// Frame protocol, both directions: [uint32 length][payload], big endian.
// A request payload is the feature vector as float64s. A response payload is
// a status byte followed by either the prediction as float64s (status 0) or
// an error message.
const (
	statusOK    = 0
	maxResponse = 1 << 20
)

// ProcessRegressor delegates predictions to an external model process.
// Requests are serialised over the process's stdin and stdout.
type ProcessRegressor struct {
	landmarks []string
	outputs   int
	log       *slog.Logger

	mu        sync.Mutex
	in        io.WriteCloser
	out       io.ReadCloser
	cmd       *exec.Cmd
	closeOnce sync.Once
}

// StartProcess launches command and returns a regressor speaking to it.
func StartProcess(command []string, landmarks []string, outputs int, logger *slog.Logger) (*ProcessRegressor, error) {
	if len(command) == 0 {
		return nil, errors.New("predict: empty regressor command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("regressor stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("regressor stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start regressor %s: %w", command[0], err)
	}
	r := newProcessRegressor(stdin, stdout, landmarks, outputs, logger)
	r.cmd = cmd
	r.log.Info("regressor process started", "command", command[0], "pid", cmd.Process.Pid)
	return r, nil
}

func newProcessRegressor(in io.WriteCloser, out io.ReadCloser, landmarks []string, outputs int, logger *slog.Logger) *ProcessRegressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRegressor{landmarks: landmarks, outputs: outputs, log: logger, in: in, out: out}
}

func (p *ProcessRegressor) Landmarks() []string { return p.landmarks }
func (p *ProcessRegressor) Outputs() int        { return p.outputs }

// Predict sends one request and waits for its response. Cancelling ctx
// abandons the wait but leaves the process to finish the request.
func (p *ProcessRegressor) Predict(ctx context.Context, features []float64) ([]float64, error) {
	type result struct {
		y   []float64
		err error
	}
	done := make(chan result, 1)
	go func() {
		y, err := p.roundTrip(features)
		done <- result{y, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.y, r.err
	}
}

func (p *ProcessRegressor) roundTrip(features []float64) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := make([]byte, 4+8*len(features))
	binary.BigEndian.PutUint32(req, uint32(8*len(features)))
	for i, f := range features {
		binary.BigEndian.PutUint64(req[4+8*i:], math.Float64bits(f))
	}
	if _, err := p.in.Write(req); err != nil {
		return nil, fmt.Errorf("regressor write: %w", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(p.out, header); err != nil {
		return nil, fmt.Errorf("regressor read: %w", err)
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > maxResponse {
		return nil, fmt.Errorf("regressor response of %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(p.out, body); err != nil {
		return nil, fmt.Errorf("regressor read: %w", err)
	}
	if body[0] != statusOK {
		return nil, fmt.Errorf("regressor error: %s", body[1:])
	}
	payload := body[1:]
	if len(payload)%8 != 0 {
		return nil, fmt.Errorf("regressor response payload of %d bytes", len(payload))
	}
	y := make([]float64, len(payload)/8)
	for i := range y {
		y[i] = math.Float64frombits(binary.BigEndian.Uint64(payload[8*i:]))
	}
	if len(y) != p.outputs {
		return nil, fmt.Errorf("%w: regressor returned %d values, want %d", ErrMalformedInput, len(y), p.outputs)
	}
	return y, nil
}

// Close ends the conversation and waits for the process to exit. A request
// in flight fails with a read error.
func (p *ProcessRegressor) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.in.Close()
		p.out.Close()
		if p.cmd != nil {
			err = p.cmd.Wait()
		}
	})
	return err
}
