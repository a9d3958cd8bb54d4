// Package extraction converts registered files into plain text by shelling out
// to external tools: pdftotext for digital PDFs, pdftoppm plus tesseract for
// scanned pages and images, and a whisper-compatible CLI for audio and video.
// Plain-text formats are read and decoded in process.
//
// Every failure is tagged with services.ErrExtraction so the reasoner can skip
// the file for the current cycle without aborting the batch.
package extraction
