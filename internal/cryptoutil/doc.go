// Package cryptoutil verifies release artifacts: constant-time digest
// comparison and signatures made with an AWS KMS asymmetric key
// (ECDSA P-256/P-384, RSA-PSS).
package cryptoutil
