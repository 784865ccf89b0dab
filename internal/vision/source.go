package vision

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Source yields detector output. ok is false when no new frame is ready.
type Source interface {
	Next() (dets []Detection, ok bool)
}

type jsonDetection struct {
	Person bool `json:"person"`
	X      int  `json:"x"`
	Y      int  `json:"y"`
	W      int  `json:"w"`
	H      int  `json:"h"`
	Score  int  `json:"score"`
}

// Replay is a Source reading one JSON array of detections per line, as
// captured from a detector. It returns ok=false once the input is exhausted.
type Replay struct {
	sc   *bufio.Scanner
	line int
	err  error
}

// NewReplay reads frames from r.
func NewReplay(r io.Reader) *Replay {
	return &Replay{sc: bufio.NewScanner(r)}
}

// Next returns the next frame.
func (rp *Replay) Next() ([]Detection, bool) {
	if rp.err != nil || !rp.sc.Scan() {
		return nil, false
	}
	rp.line++
	var raw []jsonDetection
	if err := json.Unmarshal(rp.sc.Bytes(), &raw); err != nil {
		rp.err = fmt.Errorf("replay line %d: %w", rp.line, err)
		return nil, false
	}
	dets := make([]Detection, len(raw))
	for i, d := range raw {
		dets[i] = Detection{Person: d.Person, Box: BBox{X: d.X, Y: d.Y, W: d.W, H: d.H, Score: d.Score}}
	}
	return dets, true
}

// Err returns the first decode or read error.
func (rp *Replay) Err() error {
	if rp.err != nil {
		return rp.err
	}
	return rp.sc.Err()
}
