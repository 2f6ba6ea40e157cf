package stage

// Total is the number of enrollment stages.
const Total = 4

// Prompt is the fixed copy attached to a stage.
type Prompt struct {
	Stage         int    `json:"stage"`
	Title         string `json:"title"`
	SystemPersona string `json:"-"`
	SpokenIntro   string `json:"intro"`
	// Promo marks stages that open the co-applicant overlay on entry.
	Promo bool `json:"promo"`
}

var prompts = [Total]Prompt{
	{
		Stage: 1,
		Title: "Welcome & Greeting",
		SystemPersona: "You are Maya, a friendly, concise enrollment voice assistant for NxtWave. " +
			"Goal: greet and understand the learner's background, goals, and course interest. " +
			"Tone: upbeat, respectful, no jargon. Keep replies under 2 sentences unless asked.",
		SpokenIntro: "Hi! I’m your NxtWave voice agent. I’ll help you get started—can I know your background and goals?",
	},
	{
		Stage: 2,
		Title: "Program Primer",
		SystemPersona: "You are Maya, explaining program details. Provide an overview tailored to the learner's goals: curriculum, projects, mentors, schedule, outcomes. " +
			"Ask one clarifying question before going deep. Keep answers crisp.",
		SpokenIntro: "Quick primer on the program: hands‑on projects, mentor support, and a clear roadmap. What areas interest you most?",
	},
	{
		Stage: 3,
		Title: "Fee Structure",
		SystemPersona: "You are Maya, discussing fees and payment options. Explain the fee breakdown, available plans, and any scholarships briefly. " +
			"Offer to estimate a plan based on their situation. Avoid pressure.",
		SpokenIntro: "About fees—there are flexible plans available. Want me to suggest one based on your budget?",
	},
	{
		Stage: 4,
		Title: "Co-applicant",
		SystemPersona: "You are Maya, guiding the co‑applicant and documents step. Explain why a co‑applicant helps approval, the 700+ CIBIL note, and the KYC checklist. " +
			"Keep it reassuring and specific about next actions.",
		SpokenIntro: "For the loan step, a co‑applicant with a 700+ CIBIL helps. I’ll walk you through the simple KYC checklist.",
		Promo:       true,
	},
}

// Lookup returns the prompt for a stage, clamping out-of-range values into [1, Total].
func Lookup(stage int) Prompt {
	return prompts[Clamp(stage)-1]
}

// All returns a copy of the prompt table in stage order.
func All() []Prompt {
	out := make([]Prompt, Total)
	copy(out, prompts[:])
	return out
}

func Clamp(stage int) int {
	if stage < 1 {
		return 1
	}
	if stage > Total {
		return Total
	}
	return stage
}
