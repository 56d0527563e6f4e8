package model

// defaultLabels is the class order of the shipped 42-class crop disease model.
var defaultLabels = []string{
	"American Bollworm on Cotton",
	"Anthracnose on Cotton",
	"Army Worm",
	"Bacterial Blight in Rice",
	"Brown Spot",
	"Common Rust",
	"Cotton Aphid",
	"Flag Smut",
	"Gray Leaf Spot",
	"Healthy Maize",
	"Healthy Wheat",
	"Healthy Cotton",
	"Leaf Curl",
	"Leaf Smut",
	"Mosaic (sugarcane)",
	"RedRot (sugarcane)",
	"RedRust (sugarcane)",
	"Rice Blast",
	"Sugarcane Healthy",
	"Tungro",
	"Wheat Brown Leaf Rust",
	"Wheat Stem Fly",
	"Wheat Aphid",
	"Wheat Black Rust",
	"Bollworm on Cotton",
	"Wheat Mite",
	"Wheat Powdery Mildew",
	"Wheat Scab",
	"Wheat Yellow Rust",
	"Wilt",
	"Yellow Rust (Sugarcane)",
	"Bacterial Blight in Cotton",
	"Bollrot on Cotton",
	"Wheat Leaf Blight",
	"Cotton Mealy Bug",
	"Cotton Whitefly",
	"Maize Ear Rot",
	"Maize Fall Armyworm",
	"Maize Stem borer",
	"Pink Bollworm in Cotton",
	"Red Cotton Bug",
	"Thrips on Cotton",
}

// LabelTable maps class indices to raw labels. It is immutable once built.
type LabelTable struct {
	labels []string
}

// DefaultLabels returns the built-in table for the shipped model.
func DefaultLabels() LabelTable {
	return NewLabelTable(defaultLabels)
}

// NewLabelTable copies labels into a table.
func NewLabelTable(labels []string) LabelTable {
	return LabelTable{labels: clone(labels)}
}

// Label returns the raw label for idx, or false when idx is outside the table.
func (t LabelTable) Label(idx int) (string, bool) {
	if idx < 0 || idx >= len(t.labels) {
		return "", false
	}
	return t.labels[idx], true
}

func (t LabelTable) Len() int { return len(t.labels) }
