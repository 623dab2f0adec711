/*
Copyright © 2026 the Flume authors.
This file is part of Flume.

Flume is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Flume is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Flume.  If not, see <http://www.gnu.org/licenses/>.
*/

package flume

import "errors"

// Error kinds surfaced by the engine. Callers match them with errors.Is;
// the command-line front end maps them to exit codes.
var (
	// ErrDomainInvalid indicates non-monotonic coordinates, a shape
	// mismatch between domain fields, or an unsupported direction
	// encoding. Raised at load.
	ErrDomainInvalid = errors.New("flume: invalid domain")

	// ErrRainfallUnavailable indicates a missing rainfall frame. It is
	// fatal when the requested time is strictly inside the configured run
	// window and a warning otherwise.
	ErrRainfallUnavailable = errors.New("flume: rainfall unavailable")

	// ErrMassConservation indicates the volume ledger failed its
	// tolerance check at a checkpoint.
	ErrMassConservation = errors.New("flume: mass conservation violation")

	// ErrTransport indicates a collective exchange failure.
	ErrTransport = errors.New("flume: transport failure")

	// ErrStateIncompatible indicates a restart against a different grid,
	// encoding, or domain fields.
	ErrStateIncompatible = errors.New("flume: checkpoint state incompatible")

	// ErrConfigurationInvalid indicates an unknown or out-of-range
	// configuration parameter.
	ErrConfigurationInvalid = errors.New("flume: invalid configuration")
)
