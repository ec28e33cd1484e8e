// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package pointers

// To returns a pointer to v
func To[T any](v T) *T {
	return &v
}

// ValueOr returns the value from ptr or fallback if the pointer is nil
func ValueOr[T any](ptr *T, fallback T) T {
	if ptr != nil {
		return *ptr
	}
	return fallback
}
