// Package oracle talks to the vision-language model that identifies food in
// meal photos. Transport failures and unparseable output are raised as
// classified retry errors so callers can apply separate retry budgets.
package oracle

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/kalambet/mealsense/internal/nutrition"
)

// Image is the meal photo sent to the model. Exactly one of Data or URL is
// set.
type Image struct {
	Data     []byte
	MIMEType string
	URL      string
}

// Validate reports whether exactly one image source is set.
func (i Image) Validate() error {
	switch {
	case len(i.Data) > 0 && i.URL != "":
		return errors.New("image must have either data or a URL, not both")
	case len(i.Data) == 0 && i.URL == "":
		return errors.New("image data or URL is required")
	}
	return nil
}

// DataURL returns the image as a URL usable in an image content part.
func (i Image) DataURL() string {
	if i.URL != "" {
		return i.URL
	}
	mime := i.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Request is everything the model is told about one meal.
type Request struct {
	Image    Image
	Note     *string
	MealType string
	// Profile is the user's preferences rendered as prompt context.
	Profile string
	// Synonyms maps names the model tends to produce to the user's preferred
	// names. PortionPriors maps lowercased food names to typical grams.
	Synonyms      map[string]string
	PortionPriors map[string]float64
}

// Result is a parsed model response.
type Result struct {
	Items             []nutrition.DetectedFoodItem
	OverallConfidence float64
	Explanation       string
	ModelVersion      string
}

// Prompt is a rendered request ready for a transport.
type Prompt struct {
	System string
	User   string
	Image  Image
}

// Transport sends a prompt to a model and returns the raw text it produced.
// Implementations classify failures with the retry package.
type Transport interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Model() string
}
