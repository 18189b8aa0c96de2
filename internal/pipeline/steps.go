package pipeline

// Percent bands shared by both pipeline kinds. The tracker enforces
// monotonicity; the tables here decide what each stage reports.
const (
	percentAnalyzing = 5
	assetBandStart   = 5
	assetBandEnd     = 85
	percentMerging   = 85
	percentComplete  = 100

	// Slideshow sub-bands inside the asset band.
	slideshowImagesEnd   = 60
	slideshowCaptionsEnd = 70

	// Room reserved at the tail of a video segment's slice for frame
	// extraction, so polling never reports past it.
	frameExtractReserve = 3
)

// segmentBand returns the [start, end) percent slice owned by segment i
// of n. The asset band is split into equal slices.
func segmentBand(i, n int) (start, end int) {
	width := (assetBandEnd - assetBandStart) / n
	start = assetBandStart + i*width
	end = start + width
	if i == n-1 {
		end = assetBandEnd
	}
	return start, end
}

// imagePercent returns the percent after `done` of n parallel image
// generations have finished.
func imagePercent(done, n int) int {
	return assetBandStart + done*(slideshowImagesEnd-assetBandStart)/n
}

// captionPercent returns the percent after captioning image i of n.
func captionPercent(i, n int) int {
	return slideshowImagesEnd + (i+1)*(slideshowCaptionsEnd-slideshowImagesEnd)/n
}

// pollRampStep is how much one in-flight poll advances the reported
// percent inside a segment's slice.
func pollRampStep(start, end int) int {
	step := (end - start) / 10
	if step < 1 {
		step = 1
	}
	return step
}
