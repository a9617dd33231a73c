package status

// Stage identifies one step of the job-processing pipeline.
type Stage string

const (
	StageJobParsed       Stage = "job-parsed"
	StageEducations      Stage = "educations-selected"
	StageWorkExperiences Stage = "work-experiences-selected"
	StageProjects        Stage = "projects-selected"
	StageSkills          Stage = "skills-selected"
)

var allStages = []Stage{
	StageJobParsed,
	StageEducations,
	StageWorkExperiences,
	StageProjects,
	StageSkills,
}

var stageFields = map[Stage]string{
	StageJobParsed:       "job_parsed_at",
	StageEducations:      "educations_selected_at",
	StageWorkExperiences: "work_experiences_selected_at",
	StageProjects:        "projects_selected_at",
	StageSkills:          "skills_selected_at",
}

// Stages returns every pipeline stage in canonical order. The set is closed;
// callers must not mutate the returned slice.
func Stages() []Stage {
	return allStages
}

// Valid reports whether s is a known pipeline stage.
func (s Stage) Valid() bool {
	_, ok := stageFields[s]
	return ok
}

// Field returns the JSON field name carrying this stage's completion timestamp.
func (s Stage) Field() string {
	return stageFields[s]
}

// ParseStage maps a stage name to its Stage, reporting whether it is known.
func ParseStage(name string) (Stage, bool) {
	s := Stage(name)
	return s, s.Valid()
}
