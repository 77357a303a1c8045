package bitlog

import "go.uber.org/zap"

// Field helpers keep log lines consistent across engine.go and merge.go,
// mirroring iamNilotpal-ignite's practice of injecting a single
// *zap.Logger through Config rather than using a package-level global.

func fieldFileID(id uint32) zap.Field {
	return zap.Uint32("file_id", id)
}

func fieldDir(dir string) zap.Field {
	return zap.String("dir", dir)
}

func fieldMergeRound(id string) zap.Field {
	return zap.String("merge_round", id)
}
