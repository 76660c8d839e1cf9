// Package bundle fetches the client build at startup.
//
// The current release hash lives in an SSM parameter. The build itself is
// s3://{bucket}/{prefix}/{hash}.tar.gz; it is checked against the hash,
// optionally against a detached KMS signature ({hash}.tar.gz.sig), and then
// extracted into {extract dir}/{hash}. A directory already present for the
// hash is reused without downloading.
package bundle
