// Package modules holds the minimal reference module set needed to exercise
// and test the engine: Source, Drop, Sink, and HashLB. A production module
// set (NAT, rewriters, real drivers) lives outside this repository. Nothing
// under internal/* imports this package; only tests and cmd/dataplaned do,
// keeping the core/module-set boundary intact.
package modules
