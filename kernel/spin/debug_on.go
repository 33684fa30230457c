//go:build lwktdebug

package spin

const serializerDebug = true
