/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmm

// charToKey maps characters to monitor sendkey names. Characters not listed,
// including lowercase letters and digits, are sent as they are.
var charToKey = map[rune]string{
	'A': "shift-a", 'N': "shift-n", '-': "0x0C", '_': "shift-0x0C",
	'B': "shift-b", 'O': "shift-o", '=': "0x0D", '+': "shift-0x0D",
	'C': "shift-c", 'P': "shift-p", '[': "0x1A", '{': "shift-0x1A",
	'D': "shift-d", 'Q': "shift-q", ']': "0x1B", '}': "shift-0x1B",
	'E': "shift-e", 'R': "shift-r", ';': "0x27", ':': "shift-0x27",
	'F': "shift-f", 'S': "shift-s", '\'': "0x28", '"': "shift-0x28",
	'G': "shift-g", 'T': "shift-t", '`': "0x29", '~': "shift-0x29",
	'H': "shift-h", 'U': "shift-u", '\\': "0x2B", '|': "shift-0x2B",
	'I': "shift-i", 'V': "shift-v", ',': "0x33", '<': "shift-0x33",
	'J': "shift-j", 'W': "shift-w", '.': "0x34", '>': "shift-0x34",
	'K': "shift-k", 'X': "shift-x", '/': "0x35", '?': "shift-0x35",
	'L': "shift-l", 'Y': "shift-y", ' ': "spc",
	'M': "shift-m", 'Z': "shift-z", '\n': "ret",
	'!': "shift-0x02", '@': "shift-0x03", '#': "shift-0x04", '$': "shift-0x05",
	'%': "shift-0x06", '^': "shift-0x07", '&': "shift-0x08", '*': "shift-0x09",
	'(': "shift-0x0A", ')': "shift-0x0B",
}

// KeyName returns the sendkey name for key. Single characters are looked up
// in the US keyboard table; anything else, such as "ctrl-alt-delete", is
// returned unchanged.
func KeyName(key string) string {
	r := []rune(key)
	if len(r) != 1 {
		return key
	}
	if name, ok := charToKey[r[0]]; ok {
		return name
	}
	return key
}
