package config

// S3Config locates the object store used for parquet archives
type S3Config struct {
	Bucket string `validate:"required"`
	// Key prefix under which all objects are written
	Prefix string
	Region string
	// Non-empty to target an S3 compatible store (e.g. minio) instead of AWS
	Endpoint     string
	UsePathStyle bool
}
