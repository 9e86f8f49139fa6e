package forecast

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// SchemaVersion is the checkpoint envelope version. Readers reject other
// versions; the caller then falls back to the next warm-start source.
const SchemaVersion uint32 = 1

var checkpointMagic = [4]byte{'P', '3', 'C', 'K'}

// TrainingStats is the rolling accuracy record carried in every checkpoint.
type TrainingStats struct {
	MAE              float64   `json:"mae"`
	RMSE             float64   `json:"rmse"`
	EWMAError        float64   `json:"ewma_error"`
	ObservationsSeen uint64    `json:"observations_seen"`
	LastUpdateAt     time.Time `json:"last_update_at"`
}

// Update folds one signed prediction error into the rolling stats.
func (s *TrainingStats) Update(err, alpha float64, at time.Time) {
	n := float64(s.ObservationsSeen)
	s.MAE = (s.MAE*n + math.Abs(err)) / (n + 1)
	meanSq := (s.RMSE*s.RMSE*n + err*err) / (n + 1)
	s.RMSE = math.Sqrt(meanSq)
	if s.ObservationsSeen == 0 {
		s.EWMAError = err
	} else {
		s.EWMAError = alpha*err + (1-alpha)*s.EWMAError
	}
	s.ObservationsSeen++
	s.LastUpdateAt = at
}

// Checkpoint is a persisted, versioned snapshot of parameters and state
// sufficient to resume filtering exactly.
type Checkpoint struct {
	ModelID           uuid.UUID
	Key               string // item id or category key
	Version           uint64 // monotonically increasing per item
	CreatedAt         time.Time
	Params            Parameters
	LastState         [StateDim]float64
	Cov               [StateDim * StateDim]float64
	Stats             TrainingStats
	LastFullRetrainAt time.Time
}

// StateVec materializes the persisted state as a gonum vector.
func (c *Checkpoint) StateVec() *mat.VecDense {
	data := make([]float64, StateDim)
	copy(data, c.LastState[:])
	return mat.NewVecDense(StateDim, data)
}

// CovDense materializes the persisted covariance.
func (c *Checkpoint) CovDense() *mat.Dense {
	data := make([]float64, StateDim*StateDim)
	copy(data, c.Cov[:])
	return mat.NewDense(StateDim, StateDim, data)
}

// SetState captures state and covariance into the checkpoint.
func (c *Checkpoint) SetState(state *mat.VecDense, cov *mat.Dense) {
	for i := 0; i < StateDim; i++ {
		c.LastState[i] = state.AtVec(i)
		for j := 0; j < StateDim; j++ {
			c.Cov[i*StateDim+j] = cov.At(i, j)
		}
	}
}

// EncodeCheckpoint serializes cp into the versioned binary envelope:
// magic, schema_version, crc32(payload), payload length, payload. Unknown
// bytes after the payload are permitted and ignored on read.
func EncodeCheckpoint(cp *Checkpoint) []byte {
	payload := &bytes.Buffer{}
	le := binary.LittleEndian

	payload.Write(cp.ModelID[:])
	key := []byte(cp.Key)
	binary.Write(payload, le, uint16(len(key)))
	payload.Write(key)
	binary.Write(payload, le, cp.CreatedAt.UnixNano())
	binary.Write(payload, le, cp.Version)
	binary.Write(payload, le, uint32(StateDim))
	binary.Write(payload, le, uint32(FeatureDim))

	writeDense(payload, cp.Params.F)
	writeDense(payload, cp.Params.B)
	writeDense(payload, cp.Params.Q)
	binary.Write(payload, le, cp.Params.R)

	for _, v := range cp.LastState {
		binary.Write(payload, le, v)
	}
	for _, v := range cp.Cov {
		binary.Write(payload, le, v)
	}

	binary.Write(payload, le, cp.Stats.MAE)
	binary.Write(payload, le, cp.Stats.RMSE)
	binary.Write(payload, le, cp.Stats.EWMAError)
	binary.Write(payload, le, cp.Stats.ObservationsSeen)
	binary.Write(payload, le, cp.Stats.LastUpdateAt.UnixNano())
	binary.Write(payload, le, cp.LastFullRetrainAt.UnixNano())

	body := payload.Bytes()
	out := &bytes.Buffer{}
	out.Write(checkpointMagic[:])
	binary.Write(out, le, SchemaVersion)
	binary.Write(out, le, crc32.ChecksumIEEE(body))
	binary.Write(out, le, uint32(len(body)))
	out.Write(body)
	return out.Bytes()
}

// DecodeCheckpoint parses the binary envelope. Any structural problem
// (bad magic, schema mismatch, CRC failure, truncation) is reported as a
// checkpoint_corrupt error so the caller can quarantine the file.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	le := binary.LittleEndian
	if len(data) < 16 {
		return nil, newError(KindCheckpointCorrupt, "", "checkpoint too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], checkpointMagic[:]) {
		return nil, newError(KindCheckpointCorrupt, "", "bad checkpoint magic")
	}
	if v := le.Uint32(data[4:8]); v != SchemaVersion {
		return nil, newError(KindCheckpointCorrupt, "", "schema version mismatch: got %d want %d", v, SchemaVersion)
	}
	wantCRC := le.Uint32(data[8:12])
	payloadLen := int(le.Uint32(data[12:16]))
	if payloadLen < 0 || 16+payloadLen > len(data) {
		return nil, newError(KindCheckpointCorrupt, "", "truncated checkpoint payload")
	}
	body := data[16 : 16+payloadLen]
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, newError(KindCheckpointCorrupt, "", "checkpoint CRC failure")
	}

	r := &cursor{data: body}
	cp := &Checkpoint{}

	idBytes := r.bytes(16)
	keyLen := int(r.u16())
	keyBytes := r.bytes(keyLen)
	createdAt := r.i64()
	cp.Version = r.u64()
	stateDim := r.u32()
	featureDim := r.u32()
	if r.failed {
		return nil, newError(KindCheckpointCorrupt, "", "truncated checkpoint header")
	}
	if stateDim != StateDim || featureDim != FeatureDim {
		return nil, newError(KindCheckpointCorrupt, "", "dimension mismatch: state=%d features=%d", stateDim, featureDim)
	}
	copy(cp.ModelID[:], idBytes)
	cp.Key = string(keyBytes)
	cp.CreatedAt = time.Unix(0, createdAt).UTC()

	f := r.floats(StateDim * StateDim)
	b := r.floats(StateDim * FeatureDim)
	q := r.floats(StateDim * StateDim)
	rVar := r.f64()
	stateVals := r.floats(StateDim)
	covVals := r.floats(StateDim * StateDim)

	cp.Stats.MAE = r.f64()
	cp.Stats.RMSE = r.f64()
	cp.Stats.EWMAError = r.f64()
	cp.Stats.ObservationsSeen = r.u64()
	cp.Stats.LastUpdateAt = time.Unix(0, r.i64()).UTC()
	cp.LastFullRetrainAt = time.Unix(0, r.i64()).UTC()
	if r.failed {
		return nil, newError(KindCheckpointCorrupt, "", "missing required checkpoint fields")
	}
	// Unknown tail fields are ignored for forwards compatibility.

	cp.Params = Parameters{
		F: mat.NewDense(StateDim, StateDim, f),
		B: mat.NewDense(StateDim, FeatureDim, b),
		H: mat.NewVecDense(StateDim, []float64{1, 0, 0, 0}),
		Q: mat.NewDense(StateDim, StateDim, q),
		R: rVar,
	}
	copy(cp.LastState[:], stateVals)
	copy(cp.Cov[:], covVals)
	return cp, nil
}

func writeDense(w *bytes.Buffer, m *mat.Dense) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			binary.Write(w, binary.LittleEndian, m.At(i, j))
		}
	}
}

// cursor is a forgiving little-endian reader; any overrun sets failed
// instead of panicking so decode errors stay typed.
type cursor struct {
	data   []byte
	off    int
	failed bool
}

func (c *cursor) bytes(n int) []byte {
	if c.failed || c.off+n > len(c.data) {
		c.failed = true
		return nil
	}
	out := c.data[c.off : c.off+n]
	c.off += n
	return out
}

func (c *cursor) u16() uint16 {
	b := c.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (c *cursor) u32() uint32 {
	b := c.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (c *cursor) u64() uint64 {
	b := c.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (c *cursor) i64() int64 { return int64(c.u64()) }

func (c *cursor) f64() float64 { return math.Float64frombits(c.u64()) }

func (c *cursor) floats(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = c.f64()
	}
	return out
}
