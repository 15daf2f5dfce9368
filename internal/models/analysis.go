package models

// TaskType classifies an administrative item mentioned during a lecture.
type TaskType string

const (
	TaskAssignment TaskType = "Assignment"
	TaskExam       TaskType = "Exam"
	TaskReading    TaskType = "Reading"
	TaskOther      TaskType = "Other"
)

// Valid reports whether the task type is one of the four known values.
func (t TaskType) Valid() bool {
	switch t {
	case TaskAssignment, TaskExam, TaskReading, TaskOther:
		return true
	}
	return false
}

// KeyConcept is a term/definition pair extracted from the lecture.
type KeyConcept struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// ClassTask is homework, an exam date, or a required reading announced in class.
type ClassTask struct {
	Task string   `json:"task"`
	Type TaskType `json:"type"`
	Date string   `json:"date,omitempty"`
}

// Analysis is the structured study document produced for one lecture.
type Analysis struct {
	Transcript      string       `json:"transcript"`
	AcademicSummary string       `json:"academicSummary"`
	KeyConcepts     []KeyConcept `json:"keyConcepts"`
	DetailedNotes   string       `json:"detailedNotes"`
	Examples        []string     `json:"examples"`
	StudyQuestions  []string     `json:"studyQuestions"`
	ClassTasks      []ClassTask  `json:"classTasks"`
}
