//go:build !lwktdebug

package spin

const serializerDebug = false
