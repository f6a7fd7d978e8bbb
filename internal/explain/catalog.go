package explain

type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Category groups keywords that share a severity and an explanation.
type Category struct {
	Name        string
	DisplayName string
	Severity    Severity
	Explanation string
	Keywords    []string
}

// DefaultCatalog is the keyword catalog used for the standard tier.
func DefaultCatalog() []Category {
	return []Category{
		{
			Name:        "suicide_self_harm",
			DisplayName: "Suicide & Self-Harm",
			Severity:    SeverityHigh,
			Explanation: "Contains suicide encouragement or self-harm language",
			Keywords: []string{
				"kys", "kill yourself", "end yourself", "unalive yourself", "unalive",
				"rope fuel", "suicide fuel", "hang yourself", "jump off a bridge",
			},
		},
		{
			Name:        "hate_speech",
			DisplayName: "Hate Speech",
			Severity:    SeverityHigh,
			Explanation: "Contains hate speech or discriminatory language",
			Keywords: []string{
				"retard", "retarded", "r-word", "libtard", "feminazi", "femoid", "foid",
				"subhuman", "vermin", "go back to your country", "1488",
			},
		},
		{
			Name:        "threats",
			DisplayName: "Threats",
			Severity:    SeverityHigh,
			Explanation: "Contains threats or violent language",
			Keywords: []string{
				"death threats", "i will find you", "threaten", "threatening",
				"dox", "doxx", "doxxing", "doxed", "swat", "swatting", "swatted",
			},
		},
		{
			Name:        "harassment",
			DisplayName: "Harassment",
			Severity:    SeverityMedium,
			Explanation: "Contains harassment or bullying language",
			Keywords: []string{
				"ugly", "stupid", "dumb", "dumbass", "idiot", "moron", "loser", "pathetic",
				"worthless", "waste of space", "human trash", "incel", "weirdo", "freak",
				"creep", "no one cares", "cope harder", "seethe", "cry more", "butthurt",
			},
		},
		{
			Name:        "body_shaming",
			DisplayName: "Body Shaming",
			Severity:    SeverityMedium,
			Explanation: "Contains body shaming or appearance-based attacks",
			Keywords: []string{
				"fatass", "obese", "pig", "whale", "landwhale", "hamplanet",
				"anorexic", "skeleton", "midget", "pizza face", "crater face",
			},
		},
		{
			Name:        "sexual_content",
			DisplayName: "Sexual Content",
			Severity:    SeverityMedium,
			Explanation: "Contains inappropriate sexual content or harassment",
			Keywords: []string{
				"fuck", "fucking", "fucked", "fucker", "shit", "shitty",
				"bitch", "bitches", "asshole", "dickhead", "slut", "whore", "thot",
			},
		},
		{
			Name:        "general_toxicity",
			DisplayName: "General Toxicity",
			Severity:    SeverityLow,
			Explanation: "Contains toxic or aggressive language",
			Keywords: []string{
				"hate", "hatred", "disgusting", "gross", "nasty", "vile",
				"toxic", "clown", "cringe", "cringey",
			},
		},
	}
}
