// Package pipeline drives archives through the streaming
// extraction-and-placement stages: priority-ordered job admission, an
// extractor pool feeding a mover pool over bounded queues, the nested
// BSA/BA2 phase, synthetic archive production, and inline placement.
package pipeline

import (
	"runtime"
	"sort"

	"lodestone/internal/archive"
	"lodestone/internal/manifest"
)

// Queue depths. jobQ absorbs admission bursts; moveQ is the backpressure
// lever on in-flight extracted payload.
const (
	defaultJobQueueDepth  = 64
	defaultMoveQueueDepth = 16
)

// ExtractionJob is one archive's worth of work admitted into the pipeline.
type ExtractionJob struct {
	JobID       int
	ArchiveID   string
	ArchivePath string
	Format      archive.Format
	Size        int64
	Directives  []*manifest.Directive
	Priority    int
}

// ExtractedBatch is the extractor stage's output: an archive's temp tree
// plus the normalized-path index the mover resolves sources through.
type ExtractedBatch struct {
	JobID       int
	ArchiveID   string
	ArchivePath string
	TempDir     string
	// FileIndex maps normalized intra-archive paths to host paths in the
	// temp tree.
	FileIndex map[string]string
	// Resolved maps directive ids to the normalized entry path chosen for
	// them (including misclassified whole-file recoveries).
	Resolved   map[int64]string
	Directives []*manifest.Directive
	// WholeArchive marks directives whose artifact is the archive file
	// itself.
	WholeArchive map[int64]bool
}

// typeBase orders formats by expected extraction cost: cheap formats first
// so finished work reaches the mover early.
func typeBase(f archive.Format) int {
	switch f {
	case archive.FormatZip:
		return 0
	case archive.FormatBSA, archive.FormatBA2:
		return 100
	case archive.FormatRar:
		return 200
	case archive.FormatSevenZip:
		return 300
	default:
		return 400
	}
}

// jobPriority computes a job's admission priority; lower runs first.
func jobPriority(format archive.Format, size int64) int {
	sizeMB := int(size / (1 << 20))
	if sizeMB > 99 {
		sizeMB = 99
	}
	return typeBase(format) + sizeMB
}

// sortJobs orders jobs by ascending priority, ties broken by archive id for
// determinism.
func sortJobs(jobs []ExtractionJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].ArchiveID < jobs[j].ArchiveID
	})
}

// workerSplit decides the extractor/mover pool sizes from the archive mix.
// ZIP-heavy mixes decompress quickly and bottleneck on placement; 7z-heavy
// mixes are the opposite.
func workerSplit(jobs []ExtractionJob, budget int) (extractors, movers int) {
	if budget <= 0 {
		budget = runtime.NumCPU()
	}

	var zipCount, sevenCount int
	for i := range jobs {
		switch jobs[i].Format {
		case archive.FormatZip:
			zipCount++
		case archive.FormatSevenZip:
			sevenCount++
		}
	}

	extractTenths := 6
	if n := len(jobs); n > 0 {
		switch {
		case zipCount*10 > n*7:
			extractTenths = 4
		case sevenCount*10 > n*5:
			extractTenths = 7
		}
	}

	extractors = budget * extractTenths / 10
	if extractors < 2 {
		extractors = 2
	}
	movers = budget - extractors
	if movers < 2 {
		movers = 2
	}
	return extractors, movers
}
