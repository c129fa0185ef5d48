package render

import (
	"image/color"

	"gocv.io/x/gocv"
)

type Alignment int

const (
	Left   Alignment = 1
	Center Alignment = 2
	Right  Alignment = 3
)

// Font defines the parameters for rendering text on an image using GoCV
type Font struct {
	Face      gocv.HersheyFont
	Scale     float64
	Color     color.RGBA
	Thickness int
	LineType  gocv.LineType
	// Padding to place around text
	LeftPad   int
	RightPad  int
	TopPad    int
	BottomPad int
	// Alignment of the text label to the bounding box
	Alignment Alignment
	// Plain draws the text without the filled box behind it
	Plain bool
}

// DefaultFont returns default font settings
func DefaultFont() Font {
	return Font{
		Face:      gocv.FontHersheySimplex,
		Scale:     0.5,
		Color:     White,
		Thickness: 1,
		LineType:  gocv.LineAA,
		LeftPad:   4,
		RightPad:  4,
		TopPad:    4,
		BottomPad: 6,
		Alignment: Left,
	}
}

// PlainFont returns a small unpadded font drawn directly over the image,
// suited to dense particle frames where label boxes would hide the objects
func PlainFont() Font {
	return Font{
		Face:      gocv.FontHersheyPlain,
		Scale:     1,
		Color:     boxColor,
		Thickness: 1,
		LineType:  gocv.Line8,
		BottomPad: 2,
		Alignment: Left,
		Plain:     true,
	}
}

// labelX returns the horizontal centre of a label of textWidth placed on
// the box spanning left to right
func (f Font) labelX(left, right, textWidth, lineThickness int) int {

	switch f.Alignment {
	case Center:
		return (left + right) / 2

	case Right:
		return right - (textWidth / 2) - f.RightPad + (lineThickness / 2)

	case Left:
		fallthrough
	default:
		return left + (textWidth / 2) + f.LeftPad - (lineThickness / 2)
	}
}
