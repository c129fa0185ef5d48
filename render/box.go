package render

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	ps "github.com/swdee/go-particlescope"
)

// DetectionBoxes renders the bounding boxes around the objects detected
// labelled with their class name and score
func DetectionBoxes(img *gocv.Mat, objs []ps.DetectedObject,
	classNames ps.Labels, font Font, lineThickness int) {

	// keep a record of all box labels for later rendering
	boxLabels := make([]boxLabel, 0, len(objs))

	// draw detection boxes
	for _, obj := range objs {

		// draw rectangle around detected object
		rect := obj.Box.Rect()
		gocv.Rectangle(img, rect, boxColor, lineThickness)

		// create text for label
		text := fmt.Sprintf("%s %.2f", classNames.Name(obj.Label), obj.Score)
		textSize := gocv.GetTextSize(text, font.Face, font.Scale, font.Thickness)

		// Calculate the alignment of text label
		centerX := font.labelX(rect.Min.X, rect.Max.X, textSize.X, lineThickness)

		// Adjust the label position so the text is centered horizontally
		labelPosition := image.Pt(centerX-textSize.X/2, rect.Min.Y-font.BottomPad)

		// create box for placing text on
		bRect := image.Rect(centerX-textSize.X/2-font.LeftPad,
			rect.Min.Y-textSize.Y-font.TopPad-font.BottomPad,
			centerX+textSize.X/2+font.RightPad, rect.Min.Y)

		// record label rendering details
		boxLabels = append(boxLabels, boxLabel{
			rect:    bRect,
			clr:     boxColor,
			text:    text,
			textPos: labelPosition,
		})
	}

	// draw all precalculated box labels so they are the top most layer on the
	// image and don't get overlapped with other boxes
	for _, box := range boxLabels {

		if !font.Plain {
			// draw box text gets written on
			gocv.Rectangle(img, box.rect, box.clr, -1)
		}

		// Draw the label over box
		gocv.PutTextWithParams(img, box.text, box.textPos,
			font.Face, font.Scale, font.Color, font.Thickness,
			font.LineType, false)
	}
}
