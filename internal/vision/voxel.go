// Package vision turns person detections from a camera into presence,
// dwell and interaction events. No image data enters this package; a
// detection is a bounding box and a score.
package vision

// Frame and grid geometry.
const (
	FrameW = 240
	FrameH = 240
	Rows   = 3
	Cols   = 3

	// ScoreMin is the lowest detection score (0-100) that counts as a person.
	ScoreMin = 70
	// StableFrames is how many consecutive samples in a new cell it takes to
	// move the stable cell there.
	StableFrames = 3
)

// BBox is a detection box in frame pixels.
type BBox struct {
	X, Y, W, H int
	Score      int
}

// Voxel is a cell of the Rows x Cols grid. R and C are -1 when unset.
type Voxel struct {
	R, C       int
	Rows, Cols int
}

// NoVoxel is the unset cell.
var NoVoxel = Voxel{R: -1, C: -1, Rows: Rows, Cols: Cols}

// VoxelFor maps the center of b onto the grid, clamping to its edges.
func VoxelFor(b BBox) Voxel {
	cx := b.X + b.W/2
	cy := b.Y + b.H/2
	c := min(max(cx*Cols/FrameW, 0), Cols-1)
	r := min(max(cy*Rows/FrameH, 0), Rows-1)
	return Voxel{R: r, C: c, Rows: Rows, Cols: Cols}
}

// Detection is one object reported by the detector.
type Detection struct {
	Person bool
	Box    BBox
}

// Sample is one camera observation reduced to what the presence machine needs.
type Sample struct {
	PersonNow bool
	Box       BBox
	Voxel     Voxel
}

// SampleFrom picks the highest scoring person detection at or above ScoreMin.
func SampleFrom(dets []Detection) Sample {
	s := Sample{Voxel: NoVoxel}
	best := -1
	for _, d := range dets {
		if !d.Person || d.Box.Score < ScoreMin || d.Box.Score <= best {
			continue
		}
		best = d.Box.Score
		s.PersonNow = true
		s.Box = d.Box
	}
	if s.PersonNow {
		s.Voxel = VoxelFor(s.Box)
	}
	return s
}

// Tracker follows which grid cell a person occupies, ignoring single-frame
// jitter between cells.
type Tracker struct {
	cur, stable Voxel
	frames      int
	enterMs     uint32
}

// NewTracker returns a tracker with no stable cell.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.Reset()
	return t
}

// Reset forgets both cells.
func (t *Tracker) Reset() {
	t.cur, t.stable = NoVoxel, NoVoxel
	t.frames = 0
	t.enterMs = 0
}

func sameCell(a, b Voxel) bool { return a.R == b.R && a.C == b.C }

// Update records the cell seen at now.
func (t *Tracker) Update(v Voxel, now uint32) {
	t.cur = v
	if t.stable.R == -1 && t.stable.C == -1 {
		t.stable = v
		t.frames = 0
		t.enterMs = now
		return
	}
	if sameCell(t.cur, t.stable) {
		t.frames = 0
		return
	}
	t.frames++
	if t.frames >= StableFrames {
		t.stable = t.cur
		t.frames = 0
		t.enterMs = now
	}
}

// Stable returns the stable cell.
func (t *Tracker) Stable() Voxel { return t.stable }

// StableSinceMs returns when the stable cell was entered.
func (t *Tracker) StableSinceMs() uint32 { return t.enterMs }
