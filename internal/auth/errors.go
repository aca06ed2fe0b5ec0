package auth

import "errors"

var errNoScramMaterial = errors.New("auth: no plaintext or SCRAM material available for this role")
