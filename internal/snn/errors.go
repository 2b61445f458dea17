package snn

import "errors"

// ErrTooManyNeurons is returned by DeployTopology when the requested
// topology exceeds the table's capacity.
var ErrTooManyNeurons = errors.New("snn: topology exceeds table capacity")
