package daytable

// ThreadType classifies a comment row relative to its neighbors.
type ThreadType byte

const (
	ThreadTopLevel   ThreadType = 'T' // first comment of a thread
	ThreadCombine    ThreadType = 'C' // same commenter within the window
	ThreadContinue   ThreadType = 'N' // different commenter within the window
	ThreadPhotoReply ThreadType = 'P' // comment targeting a photo
)

// RunType classifies an update row within a consecutive run of updates.
type RunType byte

const (
	RunNone    RunType = 0
	RunSolo    RunType = 'S'
	RunStart   RunType = 'B'
	RunCombine RunType = 'C'
	RunEnd     RunType = 'E'
)

// Env is the UI-measurement capability injected at construction. The engine
// computes logical layout order and relative importance only; pixel heights
// come from the embedding application. CanMeasure reports whether the current
// execution context is allowed to query UI measurement; when it returns false
// height computation is silently skipped and cached heights are preserved.
type Env interface {
	CanMeasure() bool

	EventRowHeight(row *SummaryRow) float32
	FullEventRowHeight(row *SummaryRow) float32
	InboxCardHeight(row *SummaryRow) float32
	ConversationHeaderHeight() float32
	ConversationActivityRowHeight(thread ThreadType) float32
	ConversationUpdateRowHeight(run RunType) float32
	PhotoBatchRowHeight(photoCount int) float32

	SummarySuffixHeight() float32
}

// StubEnv measures every row with fixed heights. It keeps headless rebuilds
// (background refresh with no visible UI) functional.
type StubEnv struct{}

func (StubEnv) CanMeasure() bool { return true }

func (StubEnv) EventRowHeight(*SummaryRow) float32     { return 100 }
func (StubEnv) FullEventRowHeight(*SummaryRow) float32 { return 100 }
func (StubEnv) InboxCardHeight(*SummaryRow) float32    { return 80 }
func (StubEnv) ConversationHeaderHeight() float32      { return 60 }

func (StubEnv) ConversationActivityRowHeight(ThreadType) float32 { return 40 }
func (StubEnv) ConversationUpdateRowHeight(RunType) float32      { return 24 }

func (StubEnv) PhotoBatchRowHeight(photoCount int) float32 {
	rows := (photoCount + 2) / 3
	return float32(rows) * 120
}

func (StubEnv) SummarySuffixHeight() float32 { return 32 }
