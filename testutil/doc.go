// Package testutil provides testing utilities for annbench.
//
// This package is intended for use in tests and benchmarks only.
// It provides seeded vector generators, exact ground truth and on-disk
// benchmark fixtures in every supported framing.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	base := rng.UniformVectors(1000, 16)
//
// # Exact Ground Truth
//
//	gt := testutil.GroundTruth(base, queries, 100)
//
// # Fixtures
//
//	fx := testutil.WriteFixture(t, t.TempDir(), testutil.FixtureSpec{Docs: 500, Queries: 20, Dim: 8, Depth: 10})
//	cfg.DatasetFile, cfg.QueryFile, cfg.GroundTruthFile = fx.BasePath, fx.QueryPath, fx.GroundTruthPath
package testutil
