package sheets

import (
	"fmt"
	"strconv"
)

const (
	TilesPerRow  = 4
	RowsPerPage  = 3
	RowHeight    = 1.3
	PageRowShift = 20
)

// Scene transforms shared by every tile.
const (
	ContainerPosition = "-3.33673 5 -6.12319"
	ModelScale        = "0.03 0.03 0.03"
	ModelPosition     = "0 2.10635 2.61942"
	ModelRotation     = "0 29.999999999999996 0"
	TitleFont         = "assets/fonts/Roboto-msdf.json"
)

// Tile is one positioned menu entry.
type Tile struct {
	Title     string `json:"title"`
	Image     string `json:"image,omitempty"`
	Model     string `json:"model,omitempty"`
	Link      string `json:"link,omitempty"`
	X         string `json:"x"`
	Y         string `json:"y"`
	Position  string `json:"position"`
	Highlight string `json:"highlight"`
	Page      int    `json:"page"`
}

type Scene struct {
	Container     string `json:"container"`
	ModelScale    string `json:"modelScale"`
	ModelPosition string `json:"modelPosition"`
	ModelRotation string `json:"modelRotation"`
	Font          string `json:"font"`
}

func DefaultScene() Scene {
	return Scene{
		Container:     ContainerPosition,
		ModelScale:    ModelScale,
		ModelPosition: ModelPosition,
		ModelRotation: ModelRotation,
		Font:          TitleFont,
	}
}

// Layout places listings on the menu grid. Columns advance left to right
// with x rendered as "{2i}.{i}"; each full row moves one row down, and
// after RowsPerPage rows the grid jumps PageRowShift rows up to start a
// new page.
func Layout(listings []Listing) []Tile {
	tiles := make([]Tile, 0, len(listings))
	row, col, rowsOnPage, page := 0, 0, 0, 0
	for h, l := range listings {
		x := fmt.Sprintf("%d.%d", col*2, col)
		y := strconv.FormatFloat(float64(row)*RowHeight, 'f', -1, 64)
		t := Tile{
			Title:     EncodeHTML(l.Title),
			Link:      l.Link,
			X:         x,
			Y:         y,
			Position:  x + " " + y + " 0",
			Highlight: fmt.Sprintf("highlight-%d", h),
			Page:      page,
		}
		if l.IsModel() {
			t.Model = l.Image
		} else {
			t.Image = l.Image
		}
		tiles = append(tiles, t)

		col++
		if col == TilesPerRow {
			row--
			col = 0
			rowsOnPage++
		}
		if rowsOnPage == RowsPerPage {
			row += PageRowShift
			rowsOnPage = 0
			page++
		}
	}
	return tiles
}
