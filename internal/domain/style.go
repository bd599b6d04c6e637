package domain

// Style is one of the fixed image transformation presets offered to users.
type Style struct {
	Index       int
	Name        string
	Instruction string
}

// Styles is ordered by menu index.
var Styles = []Style{
	{
		Index:       1,
		Name:        "Anime",
		Instruction: "Transform this photo into a Japanese anime illustration with clean line art, cel shading, vibrant colors and expressive eyes.",
	},
	{
		Index:       2,
		Name:        "Chibi Cartoon",
		Instruction: "Transform this photo into a cute chibi cartoon with oversized heads, small bodies, big sparkling eyes and soft pastel colors.",
	},
	{
		Index:       3,
		Name:        "Studio Ghibli",
		Instruction: "Transform this photo into a Studio Ghibli style scene with hand-painted watercolor backgrounds, warm natural light and gentle whimsical character design.",
	},
	{
		Index:       4,
		Name:        "Western Cartoon",
		Instruction: "Transform this photo into a western cartoon with bold outlines, exaggerated expressions and flat saturated colors.",
	},
	{
		Index:       5,
		Name:        "Chinese Anime",
		Instruction: "Transform this photo into a Chinese donghua anime illustration with elegant flowing lines, refined facial features and rich traditional color palettes.",
	},
	{
		Index:       6,
		Name:        "Disney",
		Instruction: "Transform this photo into a Disney animated film character with soft 3D rendering, large expressive eyes and a warm cinematic look.",
	},
}

// StyleByIndex returns the style at the 1-based menu index.
func StyleByIndex(i int) (Style, bool) {
	if i < 1 || i > len(Styles) {
		return Style{}, false
	}
	return Styles[i-1], true
}
