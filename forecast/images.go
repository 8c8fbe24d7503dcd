// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package forecast

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FieldToImage converts a field shaped [height, width] (or [1, ..., 1, height, width]) to a grayscale image,
// mapping its minimum to black and its maximum to white.
// The image is upscaled by scale (if > 1) with nearest-neighbor interpolation.
func FieldToImage(field *tensors.Tensor, scale int) (image.Image, error) {
	dims := field.Shape().Dimensions
	if len(dims) < 2 {
		return nil, errors.Errorf("field must have at least rank 2, got shape %s", field.Shape())
	}
	height, width := dims[len(dims)-2], dims[len(dims)-1]
	if field.Shape().Size() != height*width {
		return nil, errors.Errorf("field shaped %s has more than one frame", field.Shape())
	}
	if field.DType() != dtypes.Float32 {
		return nil, errors.Errorf("field must be float32, got %s", field.DType())
	}

	values := tensors.MustCopyFlatData[float32](field)
	minValue, maxValue := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range values {
		minValue = min(minValue, v)
		maxValue = max(maxValue, v)
	}
	valueRange := maxValue - minValue
	img := image.NewGray(image.Rect(0, 0, width, height))
	for ii, v := range values {
		var level float32
		if valueRange > 0 {
			level = (v - minValue) / valueRange
		}
		img.SetGray(ii%width, ii/width, color.Gray{Y: uint8(math.Round(float64(level) * 255))})
	}
	if scale <= 1 {
		return img, nil
	}
	return imaging.Resize(img, width*scale, height*scale, imaging.NearestNeighbor), nil
}

// SaveFieldPNG saves the field as a grayscale image to path, see FieldToImage.
func SaveFieldPNG(path string, field *tensors.Tensor, scale int) error {
	img, err := FieldToImage(field, scale)
	if err != nil {
		return err
	}
	if err = imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "saving field to %q", path)
	}
	return nil
}
