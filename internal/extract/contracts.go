package extract

// Content is what an extractor hands the prompt builder: the document text
// plus enough provenance for the result record.
type Content struct {
	Text       string
	Pages      int
	SourceType string // "PDF" | "IMAGE" | "TEXT"
	Method     string // "pdf-text" | "pdf-ocr" | "image-ocr" | "text-read"
	Warnings   []string
}
