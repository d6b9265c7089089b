package domain

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

var dataOperationValidate = validator.New()

// DataOperation is the step-carried message describing the transformation.
// Only AccessToken is ever rewritten in place (on resume/skip-preview,
// to refresh credentials); everything else is set once at admission and
// passed through unchanged.
type DataOperation struct {
	Collections []string `json:"collections" validate:"omitempty,min=1"`

	// Granule subsetting.
	Variables []string `json:"variables,omitempty"`

	// CRS / scale.
	CRS         string   `json:"crs,omitempty"`
	ScaleExtent *BBox    `json:"scaleExtent,omitempty" validate:"omitempty"`
	ScaleSizeX  *float64 `json:"scaleSizeX,omitempty" validate:"omitempty,gt=0"`
	ScaleSizeY  *float64 `json:"scaleSizeY,omitempty" validate:"omitempty,gt=0"`

	Width  *int `json:"width,omitempty" validate:"omitempty,gt=0"`
	Height *int `json:"height,omitempty" validate:"omitempty,gt=0"`

	OutputFormat string `json:"outputFormat,omitempty"`

	AveragingMode    string   `json:"averagingMode,omitempty"`
	ExtendDimensions []string `json:"extendDimensions,omitempty"`

	ForceAsync   bool `json:"forceAsync,omitempty"`
	Concatenate  bool `json:"concatenate,omitempty"`
	SkipPreview  bool `json:"skipPreview,omitempty"`
	IgnoreErrors bool `json:"ignoreErrors,omitempty"`
	PixelSubset  bool `json:"pixelSubset,omitempty"`

	AccessToken string `json:"accessToken,omitempty"`
}

// Validate enforces the DataOperation field constraints via struct tags.
func (op DataOperation) Validate() error {
	return dataOperationValidate.Struct(op)
}

// BBox is a bounding box in [west, south, east, north] order.
type BBox struct {
	West  float64 `json:"west" validate:"gte=-180,lte=180"`
	South float64 `json:"south" validate:"gte=-90,lte=90"`
	East  float64 `json:"east" validate:"gte=-180,lte=180"`
	North float64 `json:"north" validate:"gte=-90,lte=90"`
}

// Temporal is a temporal interval; either bound may be nil for open-ended
// ranges.
type Temporal struct {
	Start *string `json:"start,omitempty"`
	End   *string `json:"end,omitempty"`
}

func DecodeDataOperation(raw datatypes.JSON) (DataOperation, error) {
	var op DataOperation
	if len(raw) == 0 {
		return op, nil
	}
	err := json.Unmarshal(raw, &op)
	return op, err
}

func EncodeDataOperation(op DataOperation) (datatypes.JSON, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// WithRefreshedAccessToken returns a copy of op with AccessToken replaced;
// every other field is passed through unchanged.
func (op DataOperation) WithRefreshedAccessToken(token string) DataOperation {
	out := op
	out.AccessToken = token
	return out
}

func decodeStringSlice(raw datatypes.JSON) ([]string, error) {
	var out []string
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

func encodeStringSlice(vals []string) (datatypes.JSON, error) {
	if vals == nil {
		vals = []string{}
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decodeInt64Slice(raw datatypes.JSON) ([]int64, error) {
	var out []int64
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

func encodeInt64Slice(vals []int64) (datatypes.JSON, error) {
	if vals == nil {
		vals = []int64{}
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// DecodeCollectionIDs decodes a Job's stored collection-id array.
func DecodeCollectionIDs(raw datatypes.JSON) ([]string, error) {
	return decodeStringSlice(raw)
}

// EncodeCollectionIDs serializes collection ids for storage as a JSON
// array.
func EncodeCollectionIDs(ids []string) (datatypes.JSON, error) {
	return encodeStringSlice(ids)
}
