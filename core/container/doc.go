// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package container provides a bounded sequence container with two interchangeable backends

All record keeping of the device client (pending requests, watchdogs, capabilities) is stored
in a Container. The same call sites work with either backend:

	Fixed     storage is allocated once with the declared capacity and never grows.
	          Exceeding the capacity panics with ErrCapacityExceeded.
	Growable  storage doubles (minimum 1) when full. Prior contents are copied and the
	          old storage is released.

The backend is selected with a Policy value at integration time, for example from the
device configuration:

	pending := container.New[*record](container.PolicyFixed, 8)

Fixed containers are meant for RAM-starved targets where an unbounded heap is not an
option. Writing past the declared capacity is a programming error and aborts immediately
instead of silently dropping data.

Clear only resets the logical size. Retained storage is overwritten lazily by later
pushes, Get can still observe it.
*/
package container
