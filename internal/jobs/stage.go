package jobs

type Stage string

const (
	StageUpload         Stage = "upload"
	StageExtract        Stage = "extract"
	StageValidate       Stage = "validate"
	StageLoadModel      Stage = "load_model"
	StageDetectLanguage Stage = "detect_language"
	StageTranscribe     Stage = "transcribe"
	StageFinish         Stage = "finish"
)

// Progress checkpoints reported at stage boundaries.
const (
	ProgressQueued         = 0
	ProgressFetch          = 5
	ProgressExtractStart   = 10
	ProgressAudioReceived  = 20
	ProgressExtracted      = 25
	ProgressValidate       = 30
	ProgressPrepared       = 35
	ProgressLoadModel      = 40
	ProgressTranscribe     = 50
	ProgressDetectLanguage = 55
	ProgressDetected       = 60
	ProgressFinish         = 95
	ProgressDone           = 100
)

var stageLabels = map[Stage]string{
	StageUpload:         "Upload",
	StageExtract:        "Extracting audio",
	StageValidate:       "Validating audio",
	StageLoadModel:      "Loading model",
	StageDetectLanguage: "Detecting language",
	StageTranscribe:     "Transcribing",
	StageFinish:         "Finishing",
}

func (s Stage) Label() string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return string(s)
}
