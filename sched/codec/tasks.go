package codec

// Built-in task names. A task name doubles as a worker capability: a
// worker claims only jobs whose task name it has a handler for.
const (
	TaskTrashEmpty      = "trash-empty"
	TaskClassifierTrain = "classifier-train"
	TaskPreviewRebuild  = "preview-rebuild"
	TaskReindex         = "reindex"
)

// Subjects identify the logical piece of work, not its tuning. Two
// trash-empty payloads for the same collective with different minimum
// ages are the same subject: the later request merges into the active
// job rather than queueing a second sweep.

// TrashEmptyArgs deletes trashed documents older than MinAgeDays.
type TrashEmptyArgs struct {
	Collective string `json:"collective"`
	MinAgeDays int    `json:"min_age_days"`
}

func (a TrashEmptyArgs) Subject() string {
	return TaskTrashEmpty + "/" + a.Collective
}

// ClassifierTrainArgs retrains the document classifier of a collective.
// A non-empty Login restricts training to one user's documents.
type ClassifierTrainArgs struct {
	Collective string `json:"collective"`
	Login      string `json:"login,omitempty"`
}

func (a ClassifierTrainArgs) Subject() string {
	s := TaskClassifierTrain + "/" + a.Collective
	if a.Login != "" {
		s += "/" + a.Login
	}
	return s
}

// PreviewRebuildArgs regenerates document preview images.
type PreviewRebuildArgs struct {
	Collective string `json:"collective"`
	StoreMode  string `json:"store_mode,omitempty"`
}

func (a PreviewRebuildArgs) Subject() string {
	return TaskPreviewRebuild + "/" + a.Collective
}

// ReindexArgs rebuilds the full-text index of a collective.
type ReindexArgs struct {
	Collective string `json:"collective"`
}

func (a ReindexArgs) Subject() string {
	return TaskReindex + "/" + a.Collective
}
