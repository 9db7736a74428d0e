// Package components holds small rendering fragments shared across screens.
package components

// Logo is the banner shown on the wizard's first screen and the main menu
// when the terminal is tall enough.
const Logo = `
  ___ _ __   __ _ _ __  / _|_   _ ________
 / __| '_ \ / _` + "`" + `| '_ \| |_| | | |_  /_  /
 \__ \ | | | (_| | |_) |  _| |_| |/ / / /
 |___/_| |_|\__,_| .__/|_|  \__,_/___/___|
                 |_|
`
