package program

import "sort"

// knownOptionList is every compilerOptions key accepted in a tsconfig.
var knownOptionList = []string{
	"allowArbitraryExtensions", "allowImportingTsExtensions", "allowJs",
	"allowSyntheticDefaultImports", "allowUmdGlobalAccess", "allowUnreachableCode",
	"allowUnusedLabels", "alwaysStrict", "assumeChangesOnlyAffectDirectDependencies",
	"baseUrl", "charset", "checkJs", "composite", "customConditions", "declaration",
	"declarationDir", "declarationMap", "diagnostics", "disableReferencedProjectLoad",
	"disableSizeLimit", "disableSolutionSearching", "disableSourceOfProjectReferenceRedirect",
	"downlevelIteration", "emitBOM", "emitDeclarationOnly", "emitDecoratorMetadata",
	"erasableSyntaxOnly", "esModuleInterop", "exactOptionalPropertyTypes",
	"experimentalDecorators", "explainFiles", "extendedDiagnostics",
	"forceConsistentCasingInFileNames", "generateCpuProfile", "generateTrace",
	"importHelpers", "importsNotUsedAsValues", "incremental", "inlineSourceMap",
	"inlineSources", "isolatedDeclarations", "isolatedModules", "jsx", "jsxFactory",
	"jsxFragmentFactory", "jsxImportSource", "keyofStringsOnly", "lib", "libReplacement",
	"listEmittedFiles", "listFiles", "locale", "mapRoot", "maxNodeModuleJsDepth",
	"module", "moduleDetection", "moduleResolution", "moduleSuffixes", "newLine",
	"noCheck", "noEmit", "noEmitHelpers", "noEmitOnError", "noErrorTruncation",
	"noFallthroughCasesInSwitch", "noImplicitAny", "noImplicitOverride",
	"noImplicitReturns", "noImplicitThis", "noImplicitUseStrict", "noLib",
	"noPropertyAccessFromIndexSignature", "noResolve", "noStrictGenericChecks",
	"noUncheckedIndexedAccess", "noUncheckedSideEffectImports", "noUnusedLocals",
	"noUnusedParameters", "out", "outDir", "outFile", "paths", "plugins",
	"preserveConstEnums", "preserveSymlinks", "preserveValueImports",
	"preserveWatchOutput", "pretty", "reactNamespace", "removeComments",
	"resolveJsonModule", "resolvePackageJsonExports", "resolvePackageJsonImports",
	"rewriteRelativeImportExtensions", "rootDir", "rootDirs", "skipDefaultLibCheck",
	"skipLibCheck", "sourceMap", "sourceRoot", "stopBuildOnErrors", "strict",
	"strictBindCallApply", "strictBuiltinIteratorReturn", "strictFunctionTypes",
	"strictNullChecks", "strictPropertyInitialization", "stripInternal",
	"suppressExcessPropertyErrors", "suppressImplicitAnyIndexErrors", "target",
	"traceResolution", "tsBuildInfoFile", "typeRoots", "types",
	"useDefineForClassFields", "useUnknownInCatchVariables", "verbatimModuleSyntax",
}

var knownCompilerOptions = func() map[string]bool {
	sort.Strings(knownOptionList)
	m := make(map[string]bool, len(knownOptionList))
	for _, k := range knownOptionList {
		m[k] = true
	}
	return m
}()
