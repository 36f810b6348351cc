package model

// Theme is one visual style from the catalog. Colors are hex strings
// ("#0a0a0a"). Every render task carries its own Theme value explicitly;
// themes are never communicated through shared mutable state.
type Theme struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	Background string            `json:"bg"`
	Text       string            `json:"text"`
	Water      string            `json:"water"`
	Parks      string            `json:"parks"`
	Roads      map[string]string `json:"roads"` // keyed by road class
	Gradient   bool              `json:"gradient"`
}
